package parse

import (
	"fmt"
	"strings"
	"time"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type AgencyCSV struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	URL      string `csv:"agency_url"`
	Timezone string `csv:"agency_timezone"`
	// Lang     string `csv:"agency_lang"`
	// Phone    string `csv:"agency_phone"`
	// FareURL  string `csv:"agency_fare_url"`
	// Email    string `csv:"agency_email"`
}

const DefaultTimezone = "UTC"

// Writes all agencies and returns the feed's timezone.
//
// "If multiple agencies are specified in the dataset, each must have
// the same agency_timezone." Not all feeds honor that, so the first
// loadable timezone wins. Feeds without one are treated as UTC.
func ParseAgency(writer storage.FeedWriter, src Source, stats *Stats) (string, error) {
	rs := stats.Relation("agency.txt")

	timezone := ""
	seen := map[string]bool{}
	var writeErr error

	err := readRelation(src, "agency.txt", stats, func(a *AgencyCSV) {
		if writeErr != nil {
			return
		}

		id := strings.TrimSpace(a.ID)
		if seen[id] {
			rs.Skipped++
			return
		}
		seen[id] = true

		tz := strings.TrimSpace(a.Timezone)
		if timezone == "" && tz != "" {
			if _, err := time.LoadLocation(tz); err == nil {
				timezone = tz
			}
		}

		writeErr = writer.WriteAgency(model.Agency{
			ID:       id,
			Name:     a.Name,
			URL:      a.URL,
			Timezone: tz,
		})
		rs.Rows++
	})
	if err != nil {
		return "", err
	}
	if writeErr != nil {
		return "", fmt.Errorf("writing agency: %w", writeErr)
	}

	if timezone == "" {
		timezone = DefaultTimezone
	}

	return timezone, nil
}
