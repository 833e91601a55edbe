package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busboard.dev/gtfs/model"
)

func TestParseRoutes(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		routes  []model.Route
		skipped int
	}{
		{
			"minimal",
			`
route_id,route_short_name,route_type
r,R,3`,
			[]model.Route{{
				ID:        "r",
				ShortName: "R",
				Type:      model.RouteTypeBus,
				Color:     "FFFFFF",
				TextColor: "000000",
			}},
			0,
		},

		{
			"maximal",
			`
route_id,agency_id,route_short_name,route_long_name,route_desc,route_type,route_url,route_color,route_text_color
r,a,R,Long R,desc,1,http://r,ff0000,00ff00`,
			[]model.Route{{
				ID:        "r",
				AgencyID:  "a",
				ShortName: "R",
				LongName:  "Long R",
				Desc:      "desc",
				Type:      model.RouteTypeSubway,
				URL:       "http://r",
				Color:     "FF0000",
				TextColor: "00FF00",
			}},
			0,
		},

		{
			"blank route_type is bus",
			`
route_id,route_short_name,route_type
r,R,`,
			[]model.Route{{
				ID:        "r",
				ShortName: "R",
				Type:      model.RouteTypeBus,
				Color:     "FFFFFF",
				TextColor: "000000",
			}},
			0,
		},

		{
			"invalid colors fall back to defaults",
			`
route_id,route_short_name,route_type,route_color,route_text_color
r,R,3,red,#000`,
			[]model.Route{{
				ID:        "r",
				ShortName: "R",
				Type:      model.RouteTypeBus,
				Color:     "FFFFFF",
				TextColor: "000000",
			}},
			0,
		},

		{
			"bad rows skipped",
			`
route_id,route_short_name,route_type
r1,1,3
,2,3
r1,dup,3
r3,3,potato
r4,4,9
r5,5,11`,
			[]model.Route{
				{ID: "r1", ShortName: "1", Type: model.RouteTypeBus, Color: "FFFFFF", TextColor: "000000"},
				{ID: "r5", ShortName: "5", Type: model.RouteTypeTrolleybus, Color: "FFFFFF", TextColor: "000000"},
			},
			4,
		},

		{
			"quoted fields",
			`
route_id,route_short_name,route_long_name,route_type
"r","R","Downtown, via ""Main"" St",3`,
			[]model.Route{{
				ID:        "r",
				ShortName: "R",
				LongName:  `Downtown, via "Main" St`,
				Type:      model.RouteTypeBus,
				Color:     "FFFFFF",
				TextColor: "000000",
			}},
			0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			writer, reader := newFeed(t)
			stats := NewStats()

			routeIDs, err := ParseRoutes(writer, mapSource{"routes.txt": tc.content}, stats)
			require.NoError(t, err)
			assert.Equal(t, tc.skipped, stats.Relation("routes.txt").Skipped)
			assert.Equal(t, len(tc.routes), stats.Relation("routes.txt").Rows)

			routes, err := reader.Routes()
			require.NoError(t, err)
			assert.Equal(t, tc.routes, routes)

			for _, r := range tc.routes {
				assert.True(t, routeIDs[r.ID])
			}
		})
	}
}
