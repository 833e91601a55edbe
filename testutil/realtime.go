package testutil

import (
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"
)

// A stop time update for a realtime fixture. Arrival zero means only
// the delay is reported.
type StopUpdate struct {
	StopID  string
	Arrival time.Time
	Delay   int32
	Skipped bool
}

type TripUpdate struct {
	TripID   string
	RouteID  string
	Canceled bool
	Stops    []StopUpdate
}

type VehicleUpdate struct {
	ID      string
	TripID  string
	RouteID string
	Lat     float32
	Lon     float32
}

type AlertUpdate struct {
	ID       string
	Header   string
	RouteIDs []string
	TripIDs  []string
	StopIDs  []string
	Start    time.Time
	End      time.Time
}

func marshal(t testing.TB, generated time.Time, entities []*gtfsproto.FeedEntity) []byte {
	header := &gtfsproto.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
		Incrementality:      gtfsproto.FeedHeader_FULL_DATASET.Enum(),
	}
	if !generated.IsZero() {
		header.Timestamp = proto.Uint64(uint64(generated.Unix()))
	}

	data, err := proto.Marshal(&gtfsproto.FeedMessage{
		Header: header,
		Entity: entities,
	})
	require.NoError(t, err)
	return data
}

// Encodes a trip updates feed generated at the given time.
func TripUpdatesFeed(t testing.TB, generated time.Time, trips ...TripUpdate) []byte {
	entities := []*gtfsproto.FeedEntity{}
	for _, trip := range trips {
		descriptor := &gtfsproto.TripDescriptor{
			TripId: proto.String(trip.TripID),
		}
		if trip.RouteID != "" {
			descriptor.RouteId = proto.String(trip.RouteID)
		}
		if trip.Canceled {
			descriptor.ScheduleRelationship = gtfsproto.TripDescriptor_CANCELED.Enum()
		}

		updates := []*gtfsproto.TripUpdate_StopTimeUpdate{}
		for _, stop := range trip.Stops {
			event := &gtfsproto.TripUpdate_StopTimeEvent{
				Delay: proto.Int32(stop.Delay),
			}
			if !stop.Arrival.IsZero() {
				event.Time = proto.Int64(stop.Arrival.Unix())
			}
			update := &gtfsproto.TripUpdate_StopTimeUpdate{
				StopId:  proto.String(stop.StopID),
				Arrival: event,
			}
			if stop.Skipped {
				update.ScheduleRelationship = gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED.Enum()
			}
			updates = append(updates, update)
		}

		entities = append(entities, &gtfsproto.FeedEntity{
			Id: proto.String("tu-" + trip.TripID),
			TripUpdate: &gtfsproto.TripUpdate{
				Trip:           descriptor,
				StopTimeUpdate: updates,
			},
		})
	}

	return marshal(t, generated, entities)
}

func VehiclePositionsFeed(t testing.TB, generated time.Time, vehicles ...VehicleUpdate) []byte {
	entities := []*gtfsproto.FeedEntity{}
	for _, v := range vehicles {
		position := &gtfsproto.VehiclePosition{
			Vehicle: &gtfsproto.VehicleDescriptor{Id: proto.String(v.ID)},
			Position: &gtfsproto.Position{
				Latitude:  proto.Float32(v.Lat),
				Longitude: proto.Float32(v.Lon),
			},
		}
		if v.TripID != "" || v.RouteID != "" {
			position.Trip = &gtfsproto.TripDescriptor{}
			if v.TripID != "" {
				position.Trip.TripId = proto.String(v.TripID)
			}
			if v.RouteID != "" {
				position.Trip.RouteId = proto.String(v.RouteID)
			}
		}

		entities = append(entities, &gtfsproto.FeedEntity{
			Id:      proto.String("vp-" + v.ID),
			Vehicle: position,
		})
	}

	return marshal(t, generated, entities)
}

func AlertsFeed(t testing.TB, generated time.Time, alerts ...AlertUpdate) []byte {
	entities := []*gtfsproto.FeedEntity{}
	for _, a := range alerts {
		alert := &gtfsproto.Alert{
			HeaderText: &gtfsproto.TranslatedString{
				Translation: []*gtfsproto.TranslatedString_Translation{
					{Text: proto.String(a.Header), Language: proto.String("en")},
				},
			},
		}
		for _, id := range a.RouteIDs {
			alert.InformedEntity = append(alert.InformedEntity, &gtfsproto.EntitySelector{RouteId: proto.String(id)})
		}
		for _, id := range a.TripIDs {
			alert.InformedEntity = append(alert.InformedEntity, &gtfsproto.EntitySelector{
				Trip: &gtfsproto.TripDescriptor{TripId: proto.String(id)},
			})
		}
		for _, id := range a.StopIDs {
			alert.InformedEntity = append(alert.InformedEntity, &gtfsproto.EntitySelector{StopId: proto.String(id)})
		}
		if !a.Start.IsZero() || !a.End.IsZero() {
			period := &gtfsproto.TimeRange{}
			if !a.Start.IsZero() {
				period.Start = proto.Uint64(uint64(a.Start.Unix()))
			}
			if !a.End.IsZero() {
				period.End = proto.Uint64(uint64(a.End.Unix()))
			}
			alert.ActivePeriod = []*gtfsproto.TimeRange{period}
		}

		entities = append(entities, &gtfsproto.FeedEntity{
			Id:    proto.String(a.ID),
			Alert: alert,
		})
	}

	return marshal(t, generated, entities)
}
