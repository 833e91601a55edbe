package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "time/tzdata"

	"busboard.dev/gtfs"
	"busboard.dev/gtfs/config"
	"busboard.dev/gtfs/downloader"
	"busboard.dev/gtfs/metrics"
	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

var rootCmd = &cobra.Command{
	Use:               "busboard",
	Short:             "Transit arrival boards from GTFS and GTFS-Realtime",
	Long:              "Fuses a GTFS schedule with realtime trip updates, vehicle positions and alerts",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	configPath string
	logLevel   string
	logJSON    bool

	staticURL           string
	tripUpdatesURL      string
	vehiclePositionsURL string
	alertsURL           string
	timezone            string
	storageBackend      string
	staticHeaders       []string
	realtimeHeaders     []string
	sharedHeaders       []string

	cfg *config.Config
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	flags.StringVarP(&logLevel, "log-level", "", "info", "Log level (trace, debug, info, warn, error)")
	flags.BoolVarP(&logJSON, "log-json", "", false, "Log JSON rather than human readable lines")

	flags.StringVarP(&staticURL, "static-url", "", "", "GTFS Static URL")
	flags.StringVarP(&tripUpdatesURL, "trip-updates-url", "", "", "GTFS Realtime trip updates URL")
	flags.StringVarP(&vehiclePositionsURL, "vehicle-positions-url", "", "", "GTFS Realtime vehicle positions URL")
	flags.StringVarP(&alertsURL, "alerts-url", "", "", "GTFS Realtime service alerts URL")
	flags.StringVarP(&timezone, "timezone", "", "", "Override the agency timezone")
	flags.StringVarP(&storageBackend, "storage", "", "", "Storage backend (memory, sqlite, postgres)")
	flags.StringSliceVarP(
		&staticHeaders,
		"static-header",
		"",
		[]string{},
		"GTFS Static HTTP header",
	)
	flags.StringSliceVarP(
		&realtimeHeaders,
		"realtime-header",
		"",
		[]string{},
		"GTFS Realtime HTTP header",
	)
	flags.StringSliceVarP(
		&sharedHeaders,
		"header",
		"",
		[]string{},
		"GTFS HTTP header (shared between static and realtime)",
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	if !logJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.Logger = log.Logger.Level(level)

	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// Flags win over file and environment.
func applyFlags(cfg *config.Config) error {
	for _, f := range []struct {
		value string
		dst   *string
	}{
		{staticURL, &cfg.Static.URL},
		{tripUpdatesURL, &cfg.Realtime.TripUpdates.URL},
		{vehiclePositionsURL, &cfg.Realtime.VehiclePositions.URL},
		{alertsURL, &cfg.Realtime.Alerts.URL},
		{timezone, &cfg.Static.Timezone},
		{storageBackend, &cfg.Storage.Backend},
	} {
		if f.value != "" {
			*f.dst = f.value
		}
	}

	shared, err := parseHeaders(sharedHeaders)
	if err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	static, err := parseHeaders(staticHeaders)
	if err != nil {
		return fmt.Errorf("invalid static header: %w", err)
	}
	realtime, err := parseHeaders(realtimeHeaders)
	if err != nil {
		return fmt.Errorf("invalid realtime header: %w", err)
	}

	cfg.Static.Headers = merge(cfg.Static.Headers, shared, static)
	cfg.Realtime.Headers = merge(cfg.Realtime.Headers, shared, realtime)
	return nil
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

func merge(maps ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

func buildStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: cfg.Storage.Dir})
	case "postgres":
		return storage.NewPSQLStorage(cfg.Storage.DSN, false)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func buildDownloader(cfg *config.Config) (downloader.Downloader, error) {
	switch cfg.Cache.Backend {
	case "", "none":
		return downloader.HTTPDownloader{}, nil
	case "memory":
		return downloader.NewMemoryDownloader(), nil
	case "filesystem":
		fs, err := downloader.NewFilesystem(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("creating realtime cache: %w", err)
		}
		return fs, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
		return downloader.NewRedisDownloader(client), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

// Builds a Manager from the loaded config. Nothing is fetched.
func buildManager(cfg *config.Config, collector *metrics.Collector) (*gtfs.Manager, error) {
	s, err := buildStorage(cfg)
	if err != nil {
		return nil, err
	}
	dl, err := buildDownloader(cfg)
	if err != nil {
		return nil, err
	}

	m := gtfs.NewManager(s, dl)
	m.Metrics = collector
	m.StaticURL = cfg.Static.URL
	m.StaticHeaders = cfg.Static.Headers
	m.StaticRefreshInterval = cfg.Static.RefreshInterval
	m.Timezone = cfg.Static.Timezone

	m.ServiceDayCutoff = cfg.Fusion.ServiceDayCutoff
	m.Fusion = cfg.FusionOptions()
	m.UnreliableStart = cfg.Vehicles.UnreliableStart
	m.UnreliableEnd = cfg.Vehicles.UnreliableEnd
	m.MaxDistance = cfg.Vehicles.MaxDistance
	m.Favorites = cfg.Favorites

	m.VehiclesInterval = cfg.Poll.Vehicles
	m.TripUpdatesInterval = cfg.Poll.TripUpdates
	m.AlertsInterval = cfg.Poll.Alerts
	m.WarningsInterval = cfg.Poll.Warnings

	for _, feed := range []struct {
		kind model.FeedKind
		feed config.Feed
		ttl  time.Duration
	}{
		{model.FeedTripUpdates, cfg.Realtime.TripUpdates, cfg.Realtime.TTL},
		{model.FeedVehiclePositions, cfg.Realtime.VehiclePositions, cfg.Realtime.TTL},
		{model.FeedAlerts, cfg.Realtime.Alerts, cfg.Realtime.AlertsTTL},
	} {
		if feed.feed.URL == "" {
			continue
		}
		c := m.ConfigureFeed(feed.kind, feed.feed.URL, cfg.Realtime.FeedHeaders(feed.feed))
		c.TTL = feed.ttl
		c.StaleAfter = cfg.Realtime.StaleAfter
		c.FreshFor = cfg.Realtime.FreshFor
		c.Language = cfg.Realtime.Language
		c.DownloadCacheTTL = cfg.Cache.TTL
	}

	return m, nil
}

// Builds a Manager and loads the schedule active now.
func loadManager(ctx context.Context) (*gtfs.Manager, *gtfs.Static, error) {
	m, err := buildManager(cfg, nil)
	if err != nil {
		return nil, nil, err
	}

	static, err := m.LoadStatic(ctx, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("loading static feed: %w", err)
	}

	return m, static, nil
}
