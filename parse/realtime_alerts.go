package parse

import (
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"busboard.dev/gtfs/model"
)

type Alerts struct {
	Timestamp uint64
	Alerts    []model.Alert
}

func (a *Alerts) GeneratedAt() time.Time {
	return feedTime(a.Timestamp)
}

// Parses service alerts. Translated texts are taken in the given
// language when available, otherwise the first translation.
func ParseAlerts(feeds [][]byte, language string) (*Alerts, error) {
	alerts := &Alerts{Alerts: []model.Alert{}}

	for _, feed := range feeds {
		f, err := unmarshalFeed(feed)
		if err != nil {
			return nil, err
		}

		alerts.Timestamp = f.GetHeader().GetTimestamp()

		for _, entity := range f.GetEntity() {
			if entity.Alert == nil {
				continue
			}
			alerts.Alerts = append(alerts.Alerts, buildAlert(entity.GetId(), entity.Alert, language))
		}
	}

	return alerts, nil
}

func buildAlert(id string, a *gtfsproto.Alert, language string) model.Alert {
	alert := model.Alert{
		ID:          id,
		Header:      translate(a.GetHeaderText(), language),
		Description: translate(a.GetDescriptionText(), language),
	}
	if a.Cause != nil {
		alert.Cause = a.GetCause().String()
	}
	if a.Effect != nil {
		alert.Effect = a.GetEffect().String()
	}

	for _, ap := range a.GetActivePeriod() {
		period := model.ActivePeriod{}
		if ap.Start != nil {
			period.Start = time.Unix(int64(ap.GetStart()), 0).UTC()
		}
		if ap.End != nil {
			period.End = time.Unix(int64(ap.GetEnd()), 0).UTC()
		}
		alert.Periods = append(alert.Periods, period)
	}

	for _, ie := range a.GetInformedEntity() {
		if ie.RouteId != nil {
			alert.RouteIDs = appendUnique(alert.RouteIDs, ie.GetRouteId())
		}
		if ie.Trip != nil {
			if ie.Trip.TripId != nil {
				alert.TripIDs = appendUnique(alert.TripIDs, ie.Trip.GetTripId())
			}
			if ie.Trip.RouteId != nil {
				alert.RouteIDs = appendUnique(alert.RouteIDs, ie.Trip.GetRouteId())
			}
		}
		if ie.StopId != nil {
			alert.StopIDs = appendUnique(alert.StopIDs, ie.GetStopId())
		}
	}

	return alert
}

func translate(ts *gtfsproto.TranslatedString, language string) string {
	translations := ts.GetTranslation()
	if len(translations) == 0 {
		return ""
	}
	for _, t := range translations {
		if language != "" && t.GetLanguage() == language {
			return t.GetText()
		}
	}
	return translations[0].GetText()
}

func appendUnique(s []string, v string) []string {
	if v == "" {
		return s
	}
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
