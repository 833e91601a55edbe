package parse

import (
	"fmt"
	"strings"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType string `csv:"exception_type"`
}

// Writes all calendar exceptions. Returns min and max date.
func ParseCalendarDates(writer storage.FeedWriter, src Source, stats *Stats) (string, string, error) {
	rs := stats.Relation("calendar_dates.txt")

	type serviceDate struct {
		service string
		date    string
	}
	seen := map[serviceDate]bool{}

	var minDate, maxDate string
	var writeErr error

	err := readRelation(src, "calendar_dates.txt", stats, func(cd *CalendarDateCSV) {
		if writeErr != nil {
			return
		}

		serviceID := strings.TrimSpace(cd.ServiceID)
		date := strings.TrimSpace(cd.Date)
		if serviceID == "" || !validDate(date) {
			rs.Skipped++
			return
		}

		var exception model.ExceptionType
		switch strings.TrimSpace(cd.ExceptionType) {
		case "1":
			exception = model.ExceptionAdded
		case "2":
			exception = model.ExceptionRemoved
		default:
			rs.Skipped++
			return
		}

		key := serviceDate{serviceID, date}
		if seen[key] {
			rs.Skipped++
			return
		}
		seen[key] = true

		if minDate == "" || date < minDate {
			minDate = date
		}
		if maxDate == "" || date > maxDate {
			maxDate = date
		}

		writeErr = writer.WriteCalendarDate(model.CalendarDate{
			ServiceID:     serviceID,
			Date:          date,
			ExceptionType: exception,
		})
		rs.Rows++
	})
	if err != nil {
		return "", "", err
	}
	if writeErr != nil {
		return "", "", fmt.Errorf("writing calendar_date: %w", writeErr)
	}

	return minDate, maxDate, nil
}
