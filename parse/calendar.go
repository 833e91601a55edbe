package parse

import (
	"fmt"
	"strings"
	"time"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/storage"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    string `csv:"monday"`
	Tuesday   string `csv:"tuesday"`
	Wednesday string `csv:"wednesday"`
	Thursday  string `csv:"thursday"`
	Friday    string `csv:"friday"`
	Saturday  string `csv:"saturday"`
	Sunday    string `csv:"sunday"`
}

func validDate(s string) bool {
	_, err := time.ParseInLocation("20060102", s, time.UTC)
	return err == nil
}

// Bitmask indexed by time.Weekday. False if any flag is other than 0
// or 1.
func (c *CalendarCSV) weekday() (int8, bool) {
	var weekday int8
	for day, flag := range map[time.Weekday]string{
		time.Monday:    c.Monday,
		time.Tuesday:   c.Tuesday,
		time.Wednesday: c.Wednesday,
		time.Thursday:  c.Thursday,
		time.Friday:    c.Friday,
		time.Saturday:  c.Saturday,
		time.Sunday:    c.Sunday,
	} {
		switch strings.TrimSpace(flag) {
		case "1":
			weekday |= 1 << day
		case "0":
		default:
			return 0, false
		}
	}
	return weekday, true
}

// Writes all calendar records. Returns min start date and max end
// date.
func ParseCalendar(writer storage.FeedWriter, src Source, stats *Stats) (string, string, error) {
	rs := stats.Relation("calendar.txt")

	knownServices := map[string]bool{}
	var minDate, maxDate string
	var writeErr error

	err := readRelation(src, "calendar.txt", stats, func(c *CalendarCSV) {
		if writeErr != nil {
			return
		}

		serviceID := strings.TrimSpace(c.ServiceID)
		if serviceID == "" || knownServices[serviceID] {
			rs.Skipped++
			return
		}

		weekday, ok := c.weekday()
		if !ok {
			rs.Skipped++
			return
		}

		startDate := strings.TrimSpace(c.StartDate)
		endDate := strings.TrimSpace(c.EndDate)
		if !validDate(startDate) || !validDate(endDate) {
			rs.Skipped++
			return
		}

		if minDate == "" || startDate < minDate {
			minDate = startDate
		}
		if maxDate == "" || endDate > maxDate {
			maxDate = endDate
		}

		knownServices[serviceID] = true
		writeErr = writer.WriteCalendar(model.Calendar{
			ServiceID: serviceID,
			StartDate: startDate,
			EndDate:   endDate,
			Weekday:   weekday,
		})
		rs.Rows++
	})
	if err != nil {
		return "", "", err
	}
	if writeErr != nil {
		return "", "", fmt.Errorf("writing calendar: %w", writeErr)
	}

	return minDate, maxDate, nil
}
