package parse

import (
	"fmt"
	"strconv"
	"strings"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type ShapeCSV struct {
	ShapeID  string `csv:"shape_id"`
	Lat      string `csv:"shape_pt_lat"`
	Lon      string `csv:"shape_pt_lon"`
	Sequence string `csv:"shape_pt_sequence"`
	// DistTraveled string `csv:"shape_dist_traveled"`
}

// Writes all shape points. Points are not required to be sorted;
// readers order them by sequence.
//
// Must be bracketed by BeginShapes/EndShapes.
func ParseShapes(writer storage.FeedWriter, src Source, stats *Stats) error {
	rs := stats.Relation("shapes.txt")

	type shapeSeq struct {
		shape string
		seq   uint32
	}
	seen := map[shapeSeq]bool{}
	var writeErr error

	err := readRelation(src, "shapes.txt", stats, func(s *ShapeCSV) {
		if writeErr != nil {
			return
		}

		shapeID := strings.TrimSpace(s.ShapeID)
		if shapeID == "" {
			rs.Skipped++
			return
		}

		lat, err := parseFloat(s.Lat)
		if err != nil || lat < -90 || lat > 90 {
			rs.Skipped++
			return
		}
		lon, err := parseFloat(s.Lon)
		if err != nil || lon < -180 || lon > 180 {
			rs.Skipped++
			return
		}
		seq, err := strconv.ParseUint(strings.TrimSpace(s.Sequence), 10, 32)
		if err != nil {
			rs.Skipped++
			return
		}

		key := shapeSeq{shapeID, uint32(seq)}
		if seen[key] {
			rs.Skipped++
			return
		}
		seen[key] = true

		writeErr = writer.WriteShapePoint(model.ShapePoint{
			ShapeID:  shapeID,
			Lat:      lat,
			Lon:      lon,
			Sequence: uint32(seq),
		})
		rs.Rows++
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("writing shape point: %w", writeErr)
	}

	return nil
}
