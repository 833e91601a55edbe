package gtfs

import (
	"sync"
	"time"

	"busboard.dev/gtfs/model"
)

// Trips of yesterday's service day can run until this local time,
// timestamped past 24:00.
const DefaultServiceDayCutoff = 6 * time.Hour

const dateLayout = "20060102"

// Answers which services run on a given date. Results are a pure
// function of the calendar tables and the date.
type ServiceCalendar struct {
	Cutoff time.Duration

	location   *time.Location
	calendars  []model.Calendar
	exceptions map[string][]model.CalendarDate

	// Only the two most recent dates are kept: today, and
	// yesterday while before the cutoff.
	mutex sync.Mutex
	cache [2]cachedServices
	next  int
}

type cachedServices struct {
	date     string
	services map[string]bool
}

func NewServiceCalendar(
	calendars []model.Calendar,
	calendarDates []model.CalendarDate,
	location *time.Location,
) *ServiceCalendar {
	if location == nil {
		location = time.UTC
	}

	exceptions := map[string][]model.CalendarDate{}
	for _, cd := range calendarDates {
		exceptions[cd.Date] = append(exceptions[cd.Date], cd)
	}

	return &ServiceCalendar{
		Cutoff:     DefaultServiceDayCutoff,
		location:   location,
		calendars:  calendars,
		exceptions: exceptions,
	}
}

// Service IDs active on the civil date of date (as seen in the
// feed's timezone). The returned map is shared and must not be
// modified.
func (c *ServiceCalendar) ActiveServices(date time.Time) map[string]bool {
	local := date.In(c.location)
	key := local.Format(dateLayout)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, entry := range c.cache {
		if entry.services != nil && entry.date == key {
			return entry.services
		}
	}

	services := c.resolve(key, local.Weekday())
	c.cache[c.next] = cachedServices{date: key, services: services}
	c.next = (c.next + 1) % len(c.cache)

	return services
}

func (c *ServiceCalendar) resolve(date string, weekday time.Weekday) map[string]bool {
	active := map[string]bool{}

	for i := range c.calendars {
		cal := &c.calendars[i]
		if date < cal.StartDate || date > cal.EndDate {
			continue
		}
		if cal.RunsOn(weekday) {
			active[cal.ServiceID] = true
		}
	}

	for _, cd := range c.exceptions[date] {
		switch cd.ExceptionType {
		case model.ExceptionAdded:
			active[cd.ServiceID] = true
		case model.ExceptionRemoved:
			delete(active, cd.ServiceID)
		}
	}

	return active
}

// The service days in effect at now: today, preceded by yesterday
// when now is before the cutoff.
func (c *ServiceCalendar) ServiceDays(now time.Time) []model.ActiveServiceSet {
	local := now.In(c.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)

	days := []model.ActiveServiceSet{}

	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if sinceMidnight < c.Cutoff {
		days = append(days, c.serviceDay(today.AddDate(0, 0, -1)))
	}

	return append(days, c.serviceDay(today))
}

func (c *ServiceCalendar) serviceDay(day time.Time) model.ActiveServiceSet {
	return model.ActiveServiceSet{
		Date:       day.Format(dateLayout),
		Origin:     ServiceDayOrigin(day),
		ServiceIDs: c.ActiveServices(day),
	}
}

// Union of the services of every service day in effect at now.
func (c *ServiceCalendar) ActiveServicesAt(now time.Time) map[string]bool {
	union := map[string]bool{}
	for _, day := range c.ServiceDays(now) {
		for id := range day.ServiceIDs {
			union[id] = true
		}
	}
	return union
}

// Stop time offsets are measured from noon minus 12h, which differs
// from midnight on days with a DST transition.
func ServiceDayOrigin(day time.Time) time.Time {
	noon := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, day.Location())
	return noon.Add(-12 * time.Hour)
}
