package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"busboard.dev/gtfs"
	"busboard.dev/gtfs/model"
)

// Environment variables override file values. All are prefixed.
const EnvPrefix = "BUSBOARD_"

type Feed struct {
	URL     string            `yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers"`
}

type StaticConfig struct {
	URL             string            `yaml:"url" validate:"required,url"`
	Headers         map[string]string `yaml:"headers"`
	Timezone        string            `yaml:"timezone" validate:"omitempty,timezone"`
	RefreshInterval time.Duration     `yaml:"refresh_interval" validate:"gte=1m"`
}

type RealtimeConfig struct {
	TripUpdates      Feed `yaml:"trip_updates"`
	VehiclePositions Feed `yaml:"vehicle_positions"`
	Alerts           Feed `yaml:"alerts"`

	// Headers sent to all three feeds. Per feed headers win.
	Headers  map[string]string `yaml:"headers"`
	Language string            `yaml:"language"`

	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
	AlertsTTL  time.Duration `yaml:"alerts_ttl" validate:"gte=0"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`
	FreshFor   time.Duration `yaml:"fresh_for" validate:"gt=0"`
}

type FusionConfig struct {
	Grace            time.Duration `yaml:"grace" validate:"gte=0"`
	Window           time.Duration `yaml:"window" validate:"gt=0"`
	MaxRealtime      int           `yaml:"max_realtime" validate:"gte=0"`
	MaxStatic        int           `yaml:"max_static" validate:"gte=0"`
	ServiceDayCutoff time.Duration `yaml:"service_day_cutoff" validate:"gte=0,lt=24h"`
}

type VehiclesConfig struct {
	UnreliableStart int     `yaml:"unreliable_start" validate:"gte=0,lte=23"`
	UnreliableEnd   int     `yaml:"unreliable_end" validate:"gte=0,lte=24"`
	MaxDistance     float64 `yaml:"max_distance" validate:"gt=0"`
}

type PollConfig struct {
	Vehicles    time.Duration `yaml:"vehicles" validate:"gte=1s"`
	TripUpdates time.Duration `yaml:"trip_updates" validate:"gte=1s"`
	Alerts      time.Duration `yaml:"alerts" validate:"gte=1s"`
	Warnings    time.Duration `yaml:"warnings" validate:"gte=1s"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sqlite postgres"`
	DSN     string `yaml:"dsn" validate:"required_if=Backend postgres"`
	Dir     string `yaml:"dir"`
}

// Raw downloads of realtime feeds can be shared through a cache.
type CacheConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=none memory filesystem redis"`
	Path      string        `yaml:"path" validate:"required_if=Backend filesystem"`
	RedisAddr string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	TTL       time.Duration `yaml:"ttl" validate:"gte=0"`
}

type NATSConfig struct {
	URL           string `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type HTTPConfig struct {
	Addr    string `yaml:"addr" validate:"required"`
	Metrics bool   `yaml:"metrics"`
}

type Config struct {
	Static    StaticConfig     `yaml:"static"`
	Realtime  RealtimeConfig   `yaml:"realtime"`
	Fusion    FusionConfig     `yaml:"fusion"`
	Vehicles  VehiclesConfig   `yaml:"vehicles"`
	Poll      PollConfig       `yaml:"poll"`
	Storage   StorageConfig    `yaml:"storage"`
	Cache     CacheConfig      `yaml:"cache"`
	NATS      NATSConfig       `yaml:"nats"`
	HTTP      HTTPConfig       `yaml:"http"`
	Favorites []model.Favorite `yaml:"favorites" validate:"dive"`
}

func Default() *Config {
	fusion := gtfs.DefaultFusionOptions()

	return &Config{
		Static: StaticConfig{
			RefreshInterval: gtfs.DefaultStaticRefreshInterval,
		},
		Realtime: RealtimeConfig{
			TTL:        gtfs.DefaultRealtimeTTL,
			AlertsTTL:  gtfs.DefaultAlertsTTL,
			StaleAfter: gtfs.DefaultStaleAfter,
			FreshFor:   gtfs.DefaultFreshFor,
		},
		Fusion: FusionConfig{
			Grace:            fusion.Grace,
			Window:           fusion.Window,
			MaxRealtime:      fusion.MaxRealtimePerRoute,
			MaxStatic:        fusion.MaxStaticPerRoute,
			ServiceDayCutoff: gtfs.DefaultServiceDayCutoff,
		},
		Vehicles: VehiclesConfig{
			UnreliableStart: gtfs.DefaultUnreliableStart,
			UnreliableEnd:   gtfs.DefaultUnreliableEnd,
			MaxDistance:     gtfs.DefaultMaxDistance,
		},
		Poll: PollConfig{
			Vehicles:    gtfs.DefaultVehiclesInterval,
			TripUpdates: gtfs.DefaultTripUpdatesInterval,
			Alerts:      gtfs.DefaultAlertsInterval,
			Warnings:    gtfs.DefaultWarningsInterval,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Dir:     ".",
		},
		Cache: CacheConfig{
			Backend: "none",
		},
		NATS: NATSConfig{
			SubjectPrefix: "busboard.vehicles",
		},
		HTTP: HTTPConfig{
			Addr:    ":8080",
			Metrics: true,
		},
	}
}

// Loads configuration from path, if given, on top of the defaults.
// A .env file in the working directory is read into the environment
// first, then BUSBOARD_* variables override the file.
//
// The result is not validated, since command line flags may still
// override it. Call Validate once they have.
func Load(path string) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := []string{}
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Headers for a realtime feed: shared ones overlaid with the feed's
// own.
func (r *RealtimeConfig) FeedHeaders(f Feed) map[string]string {
	headers := map[string]string{}
	for k, v := range r.Headers {
		headers[k] = v
	}
	for k, v := range f.Headers {
		headers[k] = v
	}
	return headers
}

func (c *Config) FusionOptions() gtfs.FusionOptions {
	return gtfs.FusionOptions{
		Grace:               c.Fusion.Grace,
		Window:              c.Fusion.Window,
		MaxRealtimePerRoute: c.Fusion.MaxRealtime,
		MaxStaticPerRoute:   c.Fusion.MaxStatic,
	}
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"STATIC_URL":            &c.Static.URL,
		"TIMEZONE":              &c.Static.Timezone,
		"TRIP_UPDATES_URL":      &c.Realtime.TripUpdates.URL,
		"VEHICLE_POSITIONS_URL": &c.Realtime.VehiclePositions.URL,
		"ALERTS_URL":            &c.Realtime.Alerts.URL,
		"LANGUAGE":              &c.Realtime.Language,
		"STORAGE_BACKEND":       &c.Storage.Backend,
		"STORAGE_DSN":           &c.Storage.DSN,
		"STORAGE_DIR":           &c.Storage.Dir,
		"CACHE_BACKEND":         &c.Cache.Backend,
		"CACHE_PATH":            &c.Cache.Path,
		"REDIS_ADDR":            &c.Cache.RedisAddr,
		"NATS_URL":              &c.NATS.URL,
		"NATS_SUBJECT_PREFIX":   &c.NATS.SubjectPrefix,
		"HTTP_ADDR":             &c.HTTP.Addr,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"STATIC_REFRESH_INTERVAL": &c.Static.RefreshInterval,
		"REALTIME_TTL":            &c.Realtime.TTL,
		"ALERTS_TTL":              &c.Realtime.AlertsTTL,
		"STALE_AFTER":             &c.Realtime.StaleAfter,
		"FRESH_FOR":               &c.Realtime.FreshFor,
		"GRACE":                   &c.Fusion.Grace,
		"WINDOW":                  &c.Fusion.Window,
		"SERVICE_DAY_CUTOFF":      &c.Fusion.ServiceDayCutoff,
		"POLL_VEHICLES":           &c.Poll.Vehicles,
		"POLL_TRIP_UPDATES":       &c.Poll.TripUpdates,
		"POLL_ALERTS":             &c.Poll.Alerts,
		"POLL_WARNINGS":           &c.Poll.Warnings,
		"CACHE_TTL":               &c.Cache.TTL,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %q", EnvPrefix, name, v)
		}
		*dst = d
	}

	ints := map[string]*int{
		"MAX_REALTIME":     &c.Fusion.MaxRealtime,
		"MAX_STATIC":       &c.Fusion.MaxStatic,
		"UNRELIABLE_START": &c.Vehicles.UnreliableStart,
		"UNRELIABLE_END":   &c.Vehicles.UnreliableEnd,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %q", EnvPrefix, name, v)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "MAX_DISTANCE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_DISTANCE: %q", EnvPrefix, v)
		}
		c.Vehicles.MaxDistance = f
	}

	if v, ok := lookup(EnvPrefix + "METRICS"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			c.HTTP.Metrics = true
		default:
			c.HTTP.Metrics = false
		}
	}

	// Typically an API key, shared by all feeds.
	if v, ok := lookup(EnvPrefix + "API_KEY"); ok && v != "" {
		header := "X-Api-Key"
		if h, ok := lookup(EnvPrefix + "API_KEY_HEADER"); ok && h != "" {
			header = h
		}
		if c.Static.Headers == nil {
			c.Static.Headers = map[string]string{}
		}
		if c.Realtime.Headers == nil {
			c.Realtime.Headers = map[string]string{}
		}
		c.Static.Headers[header] = v
		c.Realtime.Headers[header] = v
	}

	return nil
}
