package parse

import (
	"fmt"
	"strings"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"
)

// Unmarshals a single GTFS-rt FeedMessage and checks the header for
// things we can't handle.
func unmarshalFeed(feed []byte) (*gtfsproto.FeedMessage, error) {
	f := &gtfsproto.FeedMessage{}
	err := proto.Unmarshal(feed, f)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
	}

	header := f.GetHeader()

	// Some producers write "2" rather than "2.0".
	version := header.GetGtfsRealtimeVersion()
	if !strings.HasPrefix(version, "1") && !strings.HasPrefix(version, "2") {
		return nil, fmt.Errorf("version %s not supported", version)
	}

	if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
		return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
	}

	return f, nil
}

// Header timestamp as time. Zero if not set.
func feedTime(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0).UTC()
}
