package gtfs

import (
	"sort"
	"time"

	"busboard.dev/gtfs/model"
	"busboard.dev/gtfs/parse"
)

const (
	DefaultGrace               = 60 * time.Second
	DefaultWindow              = 2 * time.Hour
	DefaultMaxRealtimePerRoute = 1
	DefaultMaxStaticPerRoute   = 2
)

type FusionOptions struct {
	// Predictions and scheduled times this far in the past are
	// still shown; the bus may not have left yet.
	Grace time.Duration

	// How far ahead of now arrivals are considered.
	Window time.Duration

	// Per route group caps. One live prediction and two scheduled
	// times keep a busy route from crowding out the others.
	MaxRealtimePerRoute int
	MaxStaticPerRoute   int
}

func DefaultFusionOptions() FusionOptions {
	return FusionOptions{
		Grace:               DefaultGrace,
		Window:              DefaultWindow,
		MaxRealtimePerRoute: DefaultMaxRealtimePerRoute,
		MaxStaticPerRoute:   DefaultMaxStaticPerRoute,
	}
}

// Zero fields take their defaults.
func (o FusionOptions) withDefaults() FusionOptions {
	d := DefaultFusionOptions()
	if o.Grace <= 0 {
		o.Grace = d.Grace
	}
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.MaxRealtimePerRoute <= 0 {
		o.MaxRealtimePerRoute = d.MaxRealtimePerRoute
	}
	if o.MaxStaticPerRoute <= 0 {
		o.MaxStaticPerRoute = d.MaxStaticPerRoute
	}
	return o
}

type FusionInput struct {
	StopID string

	// Service days in effect, from ServiceCalendar.ServiceDays.
	Services []model.ActiveServiceSet

	Static *Static

	// May be nil, in which case only scheduled times are used.
	TripUpdates *FeedSnapshot

	// Route ID to display name. Routes sharing a name share a
	// group. Falls back to the static route short names.
	RouteNames map[string]string

	// If set, only these route IDs are included.
	RouteIDs []string

	Now     time.Time
	Options FusionOptions
}

// One scheduled call at the stop, with its prediction if any.
type candidate struct {
	routeID   string
	routeName string
	tripID    string
	headsign  string
	scheduled time.Time
	predicted time.Time
	delay     time.Duration
	realtime  bool
}

func (c *candidate) effective() time.Time {
	if c.realtime {
		return c.predicted
	}
	return c.scheduled
}

// Merges scheduled stop times and realtime predictions into the
// arrivals shown on a stop board.
//
// Per route group, at most MaxRealtimePerRoute predicted and
// MaxStaticPerRoute scheduled arrivals are returned, predicted
// first. Groups are ordered by their earliest arrival. No two
// entries share a (route, trip).
func Fuse(in FusionInput) []model.MergedArrival {
	opts := in.Options.withDefaults()

	var updates *parse.TripUpdates
	fresh := false
	if in.TripUpdates != nil {
		updates = in.TripUpdates.TripUpdates
		fresh = in.TripUpdates.Fresh
	}

	realtime, static := partition(in, updates, opts.Grace)

	earliest := in.Now.Add(-opts.Grace)
	latest := in.Now.Add(opts.Window)
	inWindow := func(t time.Time) bool {
		return !t.Before(earliest) && !t.After(latest)
	}

	groups := map[string]*group{}
	groupFor := func(name string) *group {
		g, found := groups[name]
		if !found {
			g = &group{name: name}
			groups[name] = g
		}
		return g
	}

	for _, c := range realtime {
		if inWindow(c.predicted) {
			g := groupFor(c.routeName)
			g.realtime = append(g.realtime, c)
		}
	}
	for _, c := range static {
		if inWindow(c.scheduled) {
			g := groupFor(c.routeName)
			g.static = append(g.static, c)
		}
	}

	selected := []*group{}
	first := map[string]time.Time{}
	for _, g := range groups {
		sortCandidates(g.realtime)
		sortCandidates(g.static)
		if len(g.realtime) > opts.MaxRealtimePerRoute {
			g.realtime = g.realtime[:opts.MaxRealtimePerRoute]
		}
		if len(g.static) > opts.MaxStaticPerRoute {
			g.static = g.static[:opts.MaxStaticPerRoute]
		}
		if len(g.realtime)+len(g.static) == 0 {
			continue
		}

		var t time.Time
		for _, c := range g.members() {
			if t.IsZero() || c.effective().Before(t) {
				t = c.effective()
			}
		}
		first[g.name] = t
		selected = append(selected, g)
	}

	sort.Slice(selected, func(i, j int) bool {
		ti, tj := first[selected[i].name], first[selected[j].name]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return selected[i].name < selected[j].name
	})

	type identity struct {
		route string
		trip  string
	}
	seen := map[identity]bool{}

	arrivals := []model.MergedArrival{}
	for _, g := range selected {
		for _, c := range g.members() {
			id := identity{c.routeID, c.tripID}
			if seen[id] {
				continue
			}
			seen[id] = true

			arrivals = append(arrivals, model.MergedArrival{
				RouteID:      c.routeID,
				RouteName:    c.routeName,
				TripID:       c.tripID,
				StopID:       in.StopID,
				Headsign:     c.headsign,
				Scheduled:    c.scheduled,
				Effective:    c.effective(),
				Realtime:     c.realtime,
				Delay:        c.delay,
				DelaySeconds: int64(c.delay / time.Second),
				Fresh:        fresh,
			})
		}
	}

	return arrivals
}

// Arrivals sharing a display name.
type group struct {
	name     string
	realtime []*candidate
	static   []*candidate
}

// Realtime entries first.
func (g *group) members() []*candidate {
	members := make([]*candidate, 0, len(g.realtime)+len(g.static))
	members = append(members, g.realtime...)
	return append(members, g.static...)
}

// Splits the active stop times at the stop into those with a usable
// prediction and those without. Every active, non-cancelled,
// non-skipped call ends up in exactly one of the two, once.
func partition(in FusionInput, updates *parse.TripUpdates, grace time.Duration) (realtime, static []*candidate) {
	if in.Static == nil {
		return nil, nil
	}

	var routeFilter map[string]bool
	if len(in.RouteIDs) > 0 {
		routeFilter = map[string]bool{}
		for _, id := range in.RouteIDs {
			routeFilter[id] = true
		}
	}

	// A trip can call at the same stop more than once, so a call is
	// keyed on its sequence as well.
	type call struct {
		tripID   string
		sequence uint32
	}
	calls := []call{}
	instances := map[call][]*candidate{}
	updateFor := map[call]*parse.StopTimeUpdate{}

	for _, day := range in.Services {
		for _, st := range in.Static.StopTimesForStop(in.StopID) {
			trip, found := in.Static.Trip(st.TripID)
			if !found || !day.ServiceIDs[trip.ServiceID] {
				continue
			}
			if routeFilter != nil && !routeFilter[trip.RouteID] {
				continue
			}
			if updates != nil && updates.Canceled(trip.ID) {
				continue
			}

			c := &candidate{
				routeID:   trip.RouteID,
				routeName: routeName(in, trip.RouteID),
				tripID:    trip.ID,
				headsign:  st.Headsign,
				scheduled: day.Origin.Add(st.ArrivalTime()).In(in.Now.Location()),
			}
			if c.headsign == "" {
				c.headsign = trip.Headsign
			}

			k := call{trip.ID, st.StopSequence}
			if _, seen := instances[k]; !seen {
				calls = append(calls, k)
				if updates != nil {
					if update, found := updates.Lookup(trip.ID, st.StopID, st.StopSequence); found {
						updateFor[k] = update
					}
				}
			}
			instances[k] = append(instances[k], c)
		}
	}

	for _, k := range calls {
		update := updateFor[k]
		if update != nil && update.Type == parse.StopTimeUpdateSkipped {
			continue
		}

		c := pickInstance(instances[k], update, in.Now, grace)
		if update != nil && predict(c, update) && !c.predicted.Before(in.Now.Add(-grace)) {
			c.realtime = true
			realtime = append(realtime, c)
			continue
		}

		// No prediction, or the predicted time has passed.
		c.predicted = time.Time{}
		c.delay = 0
		static = append(static, c)
	}

	return realtime, static
}

// Before the cutoff, a service running yesterday and today puts two
// instances of each of its calls a day apart. Updates are keyed on
// trip ID alone, so only one of them is the run being reported on:
// the one scheduled nearest an explicit predicted time, otherwise the
// next one due.
func pickInstance(cs []*candidate, update *parse.StopTimeUpdate, now time.Time, grace time.Duration) *candidate {
	if len(cs) == 1 {
		return cs[0]
	}

	if update != nil {
		if predicted := update.PredictedTime(); !predicted.IsZero() {
			best := cs[0]
			for _, c := range cs[1:] {
				if absDuration(c.scheduled.Sub(predicted)) < absDuration(best.scheduled.Sub(predicted)) {
					best = c
				}
			}
			return best
		}
	}

	var shift time.Duration
	if update != nil && update.Type == parse.StopTimeUpdateScheduled {
		shift = update.Delay()
	}
	earliest := now.Add(-grace)

	var next *candidate
	for _, c := range cs {
		if c.scheduled.Add(shift).Before(earliest) {
			continue
		}
		if next == nil || c.scheduled.Before(next.scheduled) {
			next = c
		}
	}
	if next != nil {
		return next
	}

	// All gone; the latest is the one that left most recently.
	latest := cs[0]
	for _, c := range cs[1:] {
		if c.scheduled.After(latest.scheduled) {
			latest = c
		}
	}
	return latest
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Fills in the predicted time and delay from a stop time update.
// Explicit times win over delays; a delay-only update shifts the
// scheduled time.
func predict(c *candidate, update *parse.StopTimeUpdate) bool {
	if update.Type != parse.StopTimeUpdateScheduled {
		return false
	}
	if !update.ArrivalIsSet && !update.DepartureIsSet {
		return false
	}

	delay := update.Delay()
	predicted := update.PredictedTime()
	if predicted.IsZero() {
		predicted = c.scheduled.Add(delay)
	} else if delay == 0 {
		delay = predicted.Sub(c.scheduled)
	}

	c.predicted = predicted.In(c.scheduled.Location())
	c.delay = delay
	return true
}

func routeName(in FusionInput, routeID string) string {
	if name, found := in.RouteNames[routeID]; found && name != "" {
		return name
	}
	return in.Static.RouteShortName(routeID)
}

func sortCandidates(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		ti, tj := cs[i].effective(), cs[j].effective()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return cs[i].tripID < cs[j].tripID
	})
}

type BoardStatus string

const (
	BoardLive          BoardStatus = "live"
	BoardScheduledOnly BoardStatus = "scheduled_only"
	BoardNoUpcoming    BoardStatus = "no_upcoming"
)

// What a stop board shows: the arrivals, plus enough about the
// realtime data behind them to label it.
type Board struct {
	StopID   string                `json:"stop_id"`
	StopName string                `json:"stop_name"`
	Status   BoardStatus           `json:"status"`
	Fresh    bool                  `json:"fresh"`
	Stale    bool                  `json:"stale"`
	Arrivals []model.MergedArrival `json:"arrivals"`
}

func NewBoard(stopID string, arrivals []model.MergedArrival, snapshot *FeedSnapshot) *Board {
	b := &Board{
		StopID:   stopID,
		Status:   BoardNoUpcoming,
		Arrivals: arrivals,
	}
	if snapshot != nil {
		b.Fresh = snapshot.Fresh
		b.Stale = snapshot.Stale
	}

	if len(arrivals) == 0 {
		return b
	}

	b.Status = BoardScheduledOnly
	for _, a := range arrivals {
		if a.Realtime {
			b.Status = BoardLive
			break
		}
	}
	return b
}
