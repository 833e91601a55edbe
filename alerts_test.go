package gtfs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"busboard.dev/gtfs"
	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/parse"
)

func alertIDs(alerts []model.Alert) []string {
	ids := []string{}
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	return ids
}

func alertFixture() []model.Alert {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	return []model.Alert{
		{ID: "route7", Header: "Detour on 7", RouteIDs: []string{"7"}},
		{ID: "trip", Header: "Trip t9 cancelled", TripIDs: []string{"t9"}},
		{ID: "stop", Header: "Stop closed", StopIDs: []string{"s"}},
		{ID: "expired", Header: "Old news", RouteIDs: []string{"7"}, Periods: []model.ActivePeriod{{End: now.Add(-time.Hour)}}},
		{ID: "future", Header: "Weekend work", RouteIDs: []string{"9"}, Periods: []model.ActivePeriod{{Start: now.Add(24 * time.Hour)}}},
		{ID: "route9stop", Header: "Stop moved for 9", RouteIDs: []string{"9"}, StopIDs: []string{"s"}},
	}
}

func TestAlertActiveAt(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name    string
		periods []model.ActivePeriod
		active  bool
	}{
		{"no periods", nil, true},
		{"open ended", []model.ActivePeriod{{Start: now.Add(-time.Hour)}}, true},
		{"not yet", []model.ActivePeriod{{Start: now.Add(time.Hour)}}, false},
		{"ended", []model.ActivePeriod{{End: now.Add(-time.Hour)}}, false},
		{"second period", []model.ActivePeriod{
			{Start: now.Add(-3 * time.Hour), End: now.Add(-2 * time.Hour)},
			{Start: now.Add(-time.Hour), End: now.Add(time.Hour)},
		}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := model.Alert{Periods: tc.periods}
			assert.Equal(t, tc.active, a.ActiveAt(now))
		})
	}
}

func TestAlertsFor(t *testing.T) {
	static := vehicleFixture(t)
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	alerts := alertFixture()

	assert.Equal(t, []string{"route7"}, alertIDs(gtfs.AlertsFor(static, alerts, "7", "", now)))

	// The trip alert concerns route 9 via the schedule.
	assert.Equal(t, []string{"trip", "route9stop"}, alertIDs(gtfs.AlertsFor(static, alerts, "9", "", now)))
	assert.Equal(t, []string{"route9stop"}, alertIDs(gtfs.AlertsFor(nil, alerts, "9", "", now)))

	assert.Equal(t, []string{"trip"}, alertIDs(gtfs.AlertsFor(static, alerts, "", "t9", now)))
	assert.Empty(t, gtfs.AlertsFor(static, alerts, "", "", now))

	// Tomorrow the weekend work shows up, and the expired alert
	// stays gone.
	tomorrow := now.Add(25 * time.Hour)
	assert.Equal(t, []string{"trip", "future", "route9stop"}, alertIDs(gtfs.AlertsFor(static, alerts, "9", "", tomorrow)))
}

func TestDeriveWarnings(t *testing.T) {
	static := vehicleFixture(t)
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	favorites := []model.Favorite{
		{StopID: "s", RouteID: "9"},
		{StopID: "other", RouteID: "7"},
		{StopID: "s", RouteID: "11"},
	}

	for _, tc := range []struct {
		name        string
		favorites   []model.Favorite
		tripUpdates *gtfs.FeedSnapshot
		expected    []model.Warning
	}{
		{
			name:        "no favorites",
			tripUpdates: nil,
			expected:    []model.Warning{},
		},
		{
			name:        "healthy feed",
			favorites:   favorites,
			tripUpdates: &gtfs.FeedSnapshot{GeneratedAt: now, Fresh: true},
			expected: []model.Warning{
				{Kind: model.WarningAlert, StopID: "other", RouteID: "7", AlertID: "route7", Message: "Detour on 7"},
				{Kind: model.WarningAlert, StopID: "s", RouteID: "11", AlertID: "stop", Message: "Stop closed"},
				{Kind: model.WarningAlert, StopID: "s", RouteID: "9", AlertID: "route9stop", Message: "Stop moved for 9"},
				{Kind: model.WarningAlert, StopID: "s", RouteID: "9", AlertID: "stop", Message: "Stop closed"},
				{Kind: model.WarningAlert, StopID: "s", RouteID: "9", AlertID: "trip", Message: "Trip t9 cancelled"},
			},
		},
		{
			name:        "missing feed",
			favorites:   favorites[1:2],
			tripUpdates: nil,
			expected: []model.Warning{
				{Kind: model.WarningAlert, StopID: "other", RouteID: "7", AlertID: "route7", Message: "Detour on 7"},
				{Kind: model.WarningFeedMissing, Message: "Realtime arrivals unavailable, showing scheduled times"},
			},
		},
		{
			name:        "stale feed",
			favorites:   favorites[1:2],
			tripUpdates: &gtfs.FeedSnapshot{GeneratedAt: now.Add(-10 * time.Minute), Stale: true},
			expected: []model.Warning{
				{Kind: model.WarningAlert, StopID: "other", RouteID: "7", AlertID: "route7", Message: "Detour on 7"},
				{Kind: model.WarningStaleFeed, Message: "Realtime arrivals last updated 10m0s ago"},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			alerts := &gtfs.FeedSnapshot{
				Kind:   model.FeedAlerts,
				Alerts: &parse.Alerts{Alerts: alertFixture()},
			}

			warnings := gtfs.DeriveWarnings(gtfs.WarningInput{
				Favorites:   tc.favorites,
				Static:      static,
				Alerts:      alerts,
				TripUpdates: tc.tripUpdates,
				Now:         now,
			})
			assert.Equal(t, tc.expected, warnings)
		})
	}
}
