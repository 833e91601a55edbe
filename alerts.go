package gtfs

import (
	"fmt"
	"sort"
	"time"

	"busboard.dev/gtfs/model"
)

// Alerts active at now that concern the route or trip. An alert
// naming a trip concerns that trip's route too. Either argument may
// be blank.
func AlertsFor(static *Static, alerts []model.Alert, routeID, tripID string, now time.Time) []model.Alert {
	matched := []model.Alert{}
	for i := range alerts {
		a := &alerts[i]
		if !a.ActiveAt(now) {
			continue
		}
		if touchesRoute(static, a, routeID) || (tripID != "" && contains(a.TripIDs, tripID)) {
			matched = append(matched, *a)
		}
	}
	return matched
}

func touchesRoute(static *Static, a *model.Alert, routeID string) bool {
	if routeID == "" {
		return false
	}
	if contains(a.RouteIDs, routeID) {
		return true
	}
	if static == nil {
		return false
	}
	for _, tripID := range a.TripIDs {
		if static.RouteForTrip(tripID) == routeID {
			return true
		}
	}
	return false
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

type WarningInput struct {
	Favorites []model.Favorite
	Static    *Static

	// Either snapshot may be nil, meaning the feed has never been
	// fetched successfully.
	Alerts      *FeedSnapshot
	TripUpdates *FeedSnapshot

	Now time.Time
}

// Warnings relevant to a rider's favorites: active alerts on their
// routes and stops, and realtime trouble that would make their
// boards fall back to the schedule. Ordered by kind, stop, route,
// then alert.
func DeriveWarnings(in WarningInput) []model.Warning {
	warnings := []model.Warning{}
	if len(in.Favorites) == 0 {
		return warnings
	}

	switch {
	case in.TripUpdates == nil:
		warnings = append(warnings, model.Warning{
			Kind:    model.WarningFeedMissing,
			Message: "Realtime arrivals unavailable, showing scheduled times",
		})
	case in.TripUpdates.Stale:
		warnings = append(warnings, model.Warning{
			Kind: model.WarningStaleFeed,
			Message: fmt.Sprintf(
				"Realtime arrivals last updated %s ago",
				in.TripUpdates.Age(in.Now).Truncate(time.Minute),
			),
		})
	}

	if in.Alerts != nil && in.Alerts.Alerts != nil {
		type key struct {
			stop, route, alert string
		}
		seen := map[key]bool{}

		for _, fav := range in.Favorites {
			for i := range in.Alerts.Alerts.Alerts {
				a := &in.Alerts.Alerts.Alerts[i]
				if !a.ActiveAt(in.Now) {
					continue
				}
				onStop := fav.StopID != "" && contains(a.StopIDs, fav.StopID) && len(a.RouteIDs) == 0 && len(a.TripIDs) == 0
				if !onStop && !touchesRoute(in.Static, a, fav.RouteID) {
					continue
				}

				k := key{fav.StopID, fav.RouteID, a.ID}
				if seen[k] {
					continue
				}
				seen[k] = true

				msg := a.Header
				if msg == "" {
					msg = a.Description
				}
				warnings = append(warnings, model.Warning{
					Kind:    model.WarningAlert,
					StopID:  fav.StopID,
					RouteID: fav.RouteID,
					AlertID: a.ID,
					Message: msg,
				})
			}
		}
	}

	sort.SliceStable(warnings, func(i, j int) bool {
		a, b := warnings[i], warnings[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.StopID != b.StopID {
			return a.StopID < b.StopID
		}
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		return a.AlertID < b.AlertID
	})

	return warnings
}
