package testutil

// Helpers and configuration for tests.

import (
	"archive/zip"
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"busboard.dev/gtfs"
	"busboard.dev/gtfs/parse"
	"busboard.dev/gtfs/storage"
)

// Postgres tests only run when this is set to a connection string.
const PostgresEnv = "BUSBOARD_TEST_POSTGRES"

// The storage backends tests should run against.
func Backends() []string {
	backends := []string{"memory", "sqlite"}
	if os.Getenv(PostgresEnv) != "" {
		backends = append(backends, "postgres")
	}
	return backends
}

func BuildStorage(t testing.TB, backend string) storage.Storage {
	var s storage.Storage
	var err error
	switch backend {
	case "memory":
		s = storage.NewMemoryStorage()
	case "sqlite":
		s, err = storage.NewSQLiteStorage()
		require.NoError(t, err)
	case "postgres":
		s, err = storage.NewPSQLStorage(os.Getenv(PostgresEnv), true)
		require.NoError(t, err)
	}
	require.NotNil(t, s, "unknown backend %q", backend)

	return s
}

// Parses the zipped feed in buf into fresh storage and indexes it.
func LoadStatic(t testing.TB, backend string, buf []byte) *gtfs.Static {
	s := BuildStorage(t, backend)

	src, err := parse.NewZipSource(buf)
	require.NoError(t, err)

	feedWriter, err := s.GetWriter("test")
	require.NoError(t, err)

	metadata, _, err := parse.ParseStatic(feedWriter, src)
	require.NoError(t, err)
	metadata.Hash = "test"

	reader, err := s.GetReader("test")
	require.NoError(t, err)

	static, err := gtfs.NewStatic(reader, metadata)
	require.NoError(t, err)

	return static
}

// Builds a Static from files given as lines of CSV. Required files
// left out are filled in with (mostly blank) dummy data.
func BuildStatic(
	t testing.TB,
	backend string,
	files map[string][]string,
) *gtfs.Static {
	return LoadStatic(t, backend, BuildZip(t, WithDefaults(files)))
}

func WithDefaults(files map[string][]string) map[string][]string {
	if files["agency.txt"] == nil {
		files["agency.txt"] = []string{"agency_timezone,agency_name,agency_url", "UTC,FooAgency,http://example.com"}
	}
	if files["calendar.txt"] == nil && files["calendar_dates.txt"] == nil {
		files["calendar.txt"] = []string{"service_id"}
	}
	if files["routes.txt"] == nil {
		files["routes.txt"] = []string{"route_id"}
	}
	if files["trips.txt"] == nil {
		files["trips.txt"] = []string{"trip_id"}
	}
	if files["stops.txt"] == nil {
		files["stops.txt"] = []string{"stop_id"}
	}
	if files["stop_times.txt"] == nil {
		files["stop_times.txt"] = []string{"stop_id"}
	}
	return files
}

func BuildZip(
	t testing.TB,
	files map[string][]string,
) []byte {

	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}
