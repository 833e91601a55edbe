package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"busboard.dev/gtfs/model"
)

const DefaultSubjectPrefix = "busboard.vehicles"

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// The subset of *nats.Conn used for publishing.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
}

// Publishes resolved vehicle positions, one message per vehicle, on
// <prefix>.<route>.<vehicle>. Map overlays subscribe with wildcards,
// e.g. busboard.vehicles.7.> for everything on route 7.
type NATSPublisher struct {
	nc      conn
	prefix  string
	metrics Metrics
}

func NewNATSPublisher(url string, prefix string, m Metrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("busboard"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, prefix, m), nil
}

func newPublisher(nc conn, prefix string, m Metrics) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("draining nats connection")
		}
		p.nc.Close()
	}
}

type PositionMessage struct {
	VehicleID  string    `json:"vehicleId"`
	Label      string    `json:"label,omitempty"`
	TripID     string    `json:"tripId,omitempty"`
	RouteID    string    `json:"routeId"`
	RouteName  string    `json:"routeName"`
	Timestamp  time.Time `json:"timestamp"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Bearing    float64   `json:"bearing"`
	Speed      float64   `json:"speed,omitempty"`
	Occupancy  string    `json:"occupancy,omitempty"`
	Resolution string    `json:"resolution"`
}

func (p *NATSPublisher) Subject(v model.VehiclePosition) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(v.RouteID), subjectToken(v.VehicleID))
}

// Publishes every vehicle, then flushes. A failed message doesn't
// stop the rest; all failures are returned together.
func (p *NATSPublisher) PublishVehicles(ctx context.Context, vehicles []model.VehiclePosition) error {
	errs := []error{}

	for _, v := range vehicles {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := json.Marshal(PositionMessage{
			VehicleID:  v.VehicleID,
			Label:      v.Label,
			TripID:     v.TripID,
			RouteID:    v.RouteID,
			RouteName:  v.RouteName,
			Timestamp:  v.Timestamp,
			Lat:        v.Lat,
			Lon:        v.Lon,
			Bearing:    v.Bearing,
			Speed:      v.Speed,
			Occupancy:  v.Occupancy,
			Resolution: v.Resolution,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("encoding %s: %w", v.VehicleID, err))
			continue
		}

		subject := p.Subject(v)
		log.Trace().Str("subject", subject).Msg("nats publish")

		start := time.Now()
		err = p.nc.Publish(subject, b)
		if p.metrics != nil {
			p.metrics.PublishObserve(time.Since(start))
			if err != nil {
				p.metrics.NATSPublishErrInc()
			} else {
				p.metrics.NATSPublishedInc()
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("publishing %s: %w", subject, err))
		}
	}

	if len(vehicles) > 0 {
		if err := p.nc.FlushWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing: %w", err))
		}
	}

	return errors.Join(errs...)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
