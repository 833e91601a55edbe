package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"busboard.dev/gtfs"
	"busboard.dev/gtfs/metrics"
	"busboard.dev/gtfs/model"
)

const DefaultNearbyLimit = 10

// HTTP API over a Manager. Handlers only read what the Manager's
// pollers have already fetched.
type Server struct {
	Manager *gtfs.Manager
	TimeNow func() time.Time

	app *fiber.App
}

// Sets up routes. Metrics are exposed on /metrics when collector is
// non-nil.
func New(m *gtfs.Manager, collector *metrics.Collector) *Server {
	s := &Server{
		Manager: m,
		TimeNow: time.Now,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(NewLogger())

	app.Get("/health", s.health)

	app.Get("/routes", s.routes)

	stops := app.Group("/stops")
	stops.Get("/", s.nearbyStops)
	stops.Get("/:id", s.stop)
	stops.Get("/:id/arrivals", s.arrivals)

	app.Get("/vehicles", s.vehicles)
	app.Get("/alerts", s.alerts)
	app.Get("/warnings", s.warnings)

	if collector != nil {
		app.Get("/metrics", adaptor.HTTPHandler(collector.Handler()))
	}

	s.app = app
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var ferr *fiber.Error
	switch {
	case errors.As(err, &ferr):
		code = ferr.Code
	case errors.Is(err, gtfs.ErrNoStatic):
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

type feedHealth struct {
	Configured  bool       `json:"configured"`
	Available   bool       `json:"available"`
	Stale       bool       `json:"stale"`
	Fresh       bool       `json:"fresh"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
}

func feedStatus(c *gtfs.FeedCache) feedHealth {
	if c == nil {
		return feedHealth{}
	}
	h := feedHealth{Configured: true}
	if snap := c.Peek(); snap != nil {
		h.Available = true
		h.Stale = snap.Stale
		h.Fresh = snap.Fresh
		generatedAt := snap.GeneratedAt
		h.GeneratedAt = &generatedAt
	}
	return h
}

func (s *Server) health(c *fiber.Ctx) error {
	status := "ok"
	body := fiber.Map{}

	static, err := s.Manager.Static()
	if err != nil {
		status = "degraded"
	} else {
		body["static"] = fiber.Map{
			"hash":         static.Metadata.Hash,
			"retrieved_at": static.Metadata.RetrievedAt,
			"timezone":     static.Location().String(),
		}
	}

	feeds := map[string]feedHealth{
		model.FeedTripUpdates.String():      feedStatus(s.Manager.TripUpdates),
		model.FeedVehiclePositions.String(): feedStatus(s.Manager.Vehicles),
		model.FeedAlerts.String():           feedStatus(s.Manager.Alerts),
	}
	for _, f := range feeds {
		if f.Configured && (!f.Available || f.Stale) {
			status = "degraded"
		}
	}

	body["status"] = status
	body["feeds"] = feeds
	return c.JSON(body)
}

type routeResponse struct {
	ID        string          `json:"id"`
	ShortName string          `json:"short_name"`
	LongName  string          `json:"long_name"`
	Type      model.RouteType `json:"type"`
	Color     string          `json:"color,omitempty"`
	TextColor string          `json:"text_color,omitempty"`
}

func (s *Server) routes(c *fiber.Ctx) error {
	static, err := s.Manager.Static()
	if err != nil {
		return err
	}

	routes := []routeResponse{}
	for _, r := range static.Routes() {
		routes = append(routes, routeResponse{
			ID:        r.ID,
			ShortName: r.DisplayName(),
			LongName:  r.LongName,
			Type:      r.Type,
			Color:     r.Color,
			TextColor: r.TextColor,
		})
	}
	return c.JSON(routes)
}

type stopResponse struct {
	ID     string   `json:"id"`
	Code   string   `json:"code,omitempty"`
	Name   string   `json:"name"`
	Lat    float64  `json:"lat"`
	Lon    float64  `json:"lon"`
	Routes []string `json:"routes"`
}

func newStopResponse(static *gtfs.Static, stop *model.Stop) stopResponse {
	routes := static.RoutesForStop(stop.ID)
	if routes == nil {
		routes = []string{}
	}
	return stopResponse{
		ID:     stop.ID,
		Code:   stop.Code,
		Name:   stop.Name,
		Lat:    stop.Lat,
		Lon:    stop.Lon,
		Routes: routes,
	}
}

// GET /stops?lat=..&lon=..&limit=..
func (s *Server) nearbyStops(c *fiber.Ctx) error {
	static, err := s.Manager.Static()
	if err != nil {
		return err
	}

	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		return fiber.NewError(fiber.StatusBadRequest, "lat must be a valid latitude")
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		return fiber.NewError(fiber.StatusBadRequest, "lon must be a valid longitude")
	}
	limit := c.QueryInt("limit", DefaultNearbyLimit)

	stops := []stopResponse{}
	for _, stop := range static.NearbyStops(lat, lon, limit) {
		stops = append(stops, newStopResponse(static, stop))
	}
	return c.JSON(stops)
}

func (s *Server) stop(c *fiber.Ctx) error {
	static, err := s.Manager.Static()
	if err != nil {
		return err
	}

	stop, found := static.Stop(c.Params("id"))
	if !found {
		return fiber.NewError(fiber.StatusNotFound, "no such stop")
	}
	return c.JSON(newStopResponse(static, stop))
}

// GET /stops/:id/arrivals?route=a,b
func (s *Server) arrivals(c *fiber.Ctx) error {
	static, err := s.Manager.Static()
	if err != nil {
		return err
	}
	stopID := c.Params("id")
	if _, found := static.Stop(stopID); !found {
		return fiber.NewError(fiber.StatusNotFound, "no such stop")
	}

	board, err := s.Manager.Arrivals(stopID, splitList(c.Query("route")), s.TimeNow())
	if err != nil {
		return err
	}
	return c.JSON(board)
}

// GET /vehicles?route=a,b
func (s *Server) vehicles(c *fiber.Ctx) error {
	routes := splitList(c.Query("route"))
	vehicles := s.Manager.CurrentVehicles()
	if len(routes) == 0 {
		return c.JSON(vehicles)
	}

	filtered := []model.VehiclePosition{}
	for _, v := range vehicles {
		for _, r := range routes {
			if v.RouteID == r {
				filtered = append(filtered, v)
				break
			}
		}
	}
	return c.JSON(filtered)
}

// GET /alerts?route=..&trip=..
func (s *Server) alerts(c *fiber.Ctx) error {
	return c.JSON(s.Manager.ActiveAlerts(c.Query("route"), c.Query("trip"), s.TimeNow()))
}

func (s *Server) warnings(c *fiber.Ctx) error {
	return c.JSON(s.Manager.CurrentWarnings())
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	list := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}
