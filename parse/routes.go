package parse

import (
	"encoding/hex"
	"fmt"
	"strings"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type RouteCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Desc      string `csv:"route_desc"`
	Type      string `csv:"route_type"`
	URL       string `csv:"route_url"`
	Color     string `csv:"route_color"`
	TextColor string `csv:"route_text_color"`
	// SortOrder string `csv:"route_sort_order"`
}

func legalRouteType(t model.RouteType) bool {
	if t >= 0 && t <= 7 {
		return true
	}
	return t == 11 || t == 12
}

func validRouteColor(color string) bool {
	if len(color) != 6 {
		return false
	}
	if _, err := hex.DecodeString(color); err != nil {
		return false
	}
	return true
}

// Writes all routes, returning the set of route IDs written.
func ParseRoutes(writer storage.FeedWriter, src Source, stats *Stats) (map[string]bool, error) {
	rs := stats.Relation("routes.txt")

	routes := map[string]bool{}
	var writeErr error

	err := readRelation(src, "routes.txt", stats, func(r *RouteCSV) {
		if writeErr != nil {
			return
		}

		id := strings.TrimSpace(r.ID)
		if id == "" || routes[id] {
			rs.Skipped++
			return
		}

		// Plenty of bus-only feeds leave route_type blank.
		routeType, err := parseOptionalInt(r.Type, int(model.RouteTypeBus))
		if err != nil || !legalRouteType(model.RouteType(routeType)) {
			rs.Skipped++
			return
		}

		// Defaults from the GTFS spec
		color := strings.TrimSpace(r.Color)
		if !validRouteColor(color) {
			color = "FFFFFF"
		}
		textColor := strings.TrimSpace(r.TextColor)
		if !validRouteColor(textColor) {
			textColor = "000000"
		}

		routes[id] = true
		writeErr = writer.WriteRoute(model.Route{
			ID:        id,
			AgencyID:  strings.TrimSpace(r.AgencyID),
			ShortName: strings.TrimSpace(r.ShortName),
			LongName:  strings.TrimSpace(r.LongName),
			Desc:      r.Desc,
			Type:      model.RouteType(routeType),
			URL:       r.URL,
			Color:     strings.ToUpper(color),
			TextColor: strings.ToUpper(textColor),
		})
		rs.Rows++
	})
	if err != nil {
		return nil, err
	}
	if writeErr != nil {
		return nil, fmt.Errorf("writing route: %w", writeErr)
	}

	return routes, nil
}
