package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busboard.dev/gtfs/model"
)

func TestParseShapes(t *testing.T) {
	writer, reader := newFeed(t)
	stats := NewStats()

	err := ParseShapes(writer, mapSource{"shapes.txt": `
shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence,shape_dist_traveled
a,40.0,-73.0,2,
a,40.1,-73.1,1,0.0
a,40.2,-73.2,1,
b,north,-73.0,1,
b,40.0,-73.0,first,
,40.0,-73.0,1,
b,40.5,-73.5,10,12.5`}, stats)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Relation("shapes.txt").Rows)
	assert.Equal(t, 4, stats.Relation("shapes.txt").Skipped)

	points, err := reader.ShapePoints()
	require.NoError(t, err)
	assert.Equal(t, []model.ShapePoint{
		{ShapeID: "a", Lat: 40.0, Lon: -73.0, Sequence: 2},
		{ShapeID: "a", Lat: 40.1, Lon: -73.1, Sequence: 1},
		{ShapeID: "b", Lat: 40.5, Lon: -73.5, Sequence: 10},
	}, points)
}
