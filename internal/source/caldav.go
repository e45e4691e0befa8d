package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"calhub/internal/config"
	applog "calhub/internal/log"
	"calhub/internal/model"
)

const caldavDefaultColor = "#6666cc"

// CalDAVSource reads events from a CalDAV server (iCloud, Nextcloud,
// Radicale, ...). Recurring events are expanded to single instances
// within the query window before normalization.
type CalDAVSource struct {
	accountID string
	cfg       config.AccountConfig
	maxEvents int

	client  *caldav.Client
	homeSet string
}

func NewCalDAVSource(acc config.AccountConfig, maxEvents int) *CalDAVSource {
	return &CalDAVSource{
		accountID: acc.ID,
		cfg:       acc,
		maxEvents: maxEvents,
	}
}

// Authenticate connects to the server and discovers the calendar home
// set. Missing credentials and rejected logins are soft conditions.
func (c *CalDAVSource) Authenticate(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return fmt.Errorf("%w: no credentials for caldav account %s", ErrNotAuthenticated, c.accountID)
	}

	httpClient := webdav.HTTPClientWithBasicAuth(http.DefaultClient, c.cfg.Username, c.cfg.Password)
	client, err := caldav.NewClient(httpClient, c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("creating caldav client for %s: %w", c.accountID, err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("%w: caldav principal discovery for %s: %v", ErrNotAuthenticated, c.accountID, err)
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return fmt.Errorf("finding calendar home set for %s: %w", c.accountID, err)
	}

	c.client = client
	c.homeSet = homeSet
	applog.Debug("caldav source authenticated", "account", c.accountID, "home_set", homeSet)
	return nil
}

func (c *CalDAVSource) Authenticated() bool {
	return c.client != nil
}

func (c *CalDAVSource) Calendars(ctx context.Context) ([]model.CalendarInfo, error) {
	if c.client == nil {
		return nil, ErrNotAuthenticated
	}

	found, err := c.client.FindCalendars(ctx, c.homeSet)
	if err != nil {
		return nil, fmt.Errorf("finding calendars for %s: %w", c.accountID, err)
	}

	calendars := make([]model.CalendarInfo, 0, len(found))
	for _, cal := range found {
		name := cal.Name
		if name == "" {
			name = cal.Path
		}
		calendars = append(calendars, model.CalendarInfo{
			ID:          cal.Path,
			AccountID:   c.accountID,
			Name:        name,
			Description: cal.Description,
			Color:       caldavDefaultColor,
			AccessRole:  "reader",
		})
	}
	return calendars, nil
}

func (c *CalDAVSource) Events(ctx context.Context, calendarID string, from, to time.Time) ([]model.CalendarEvent, error) {
	if c.client == nil {
		return nil, ErrNotAuthenticated
	}

	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, fmt.Errorf("querying calendar %s/%s: %w", c.accountID, calendarID, err)
	}

	var events []model.CalendarEvent
	for _, obj := range objects {
		for _, comp := range obj.Data.Component.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			expanded := c.expandComponent(comp, calendarID, from, to)
			events = append(events, expanded...)
			if len(events) >= c.maxEvents {
				applog.Warn("event cap reached", "account", c.accountID, "calendar", calendarID, "cap", c.maxEvents)
				return events[:c.maxEvents], nil
			}
		}
	}
	return events, nil
}

// expandComponent converts one VEVENT into normalized events. A
// non-recurring component yields at most one event; an RRULE yields
// one per occurrence inside [from, to], preserving the original
// duration and honoring EXDATE exclusions.
func (c *CalDAVSource) expandComponent(comp *ical.Component, calendarID string, from, to time.Time) []model.CalendarEvent {
	base, ok := c.parseComponent(comp, calendarID)
	if !ok {
		return nil
	}

	rruleProp := comp.Props.Get("RRULE")
	if rruleProp == nil {
		if base.Overlaps(from, to) {
			return []model.CalendarEvent{base}
		}
		return nil
	}

	rule, err := rrule.StrToRRule(rruleProp.Value)
	if err != nil {
		applog.Warn("skipping unparseable RRULE", "account", c.accountID, "event", base.ID, "rrule", rruleProp.Value)
		if base.Overlaps(from, to) {
			return []model.CalendarEvent{base}
		}
		return nil
	}
	rule.DTStart(base.StartTime)

	var set rrule.Set
	set.RRule(rule)
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		if ex, err := prop.DateTime(base.StartTime.Location()); err == nil {
			set.ExDate(ex.In(base.StartTime.Location()))
		}
	}

	duration := base.EndTime.Sub(base.StartTime)
	starts := set.Between(from.In(base.StartTime.Location()), to.In(base.StartTime.Location()), true)

	events := make([]model.CalendarEvent, 0, len(starts))
	for _, start := range starts {
		ev := base
		if ev.AllDay {
			day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			ev.StartTime = day
			ev.EndTime = day.Add(duration)
		} else {
			ev.StartTime = start
			ev.EndTime = start.Add(duration)
		}
		events = append(events, ev)
	}
	return events
}

func (c *CalDAVSource) parseComponent(comp *ical.Component, calendarID string) (model.CalendarEvent, bool) {
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return model.CalendarEvent{}, false
	}
	allDay := startProp.ValueType() == ical.ValueDate

	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		applog.Warn("skipping event with bad DTSTART", "account", c.accountID, "calendar", calendarID)
		return model.CalendarEvent{}, false
	}

	var end time.Time
	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, err = endProp.DateTime(time.UTC)
		if err != nil {
			applog.Warn("skipping event with bad DTEND", "account", c.accountID, "calendar", calendarID)
			return model.CalendarEvent{}, false
		}
	} else if allDay {
		end = start.Add(24 * time.Hour)
	} else {
		end = start.Add(time.Hour)
	}

	id := textProp(comp.Props, ical.PropUID)
	if id == "" {
		// Some servers emit VEVENTs without a UID; synthesize one so
		// the cache key stays well-formed.
		id = uuid.NewString()
	}

	title := textProp(comp.Props, ical.PropSummary)
	if title == "" {
		title = "(No Title)"
	}

	var attendees []string
	for _, prop := range comp.Props.Values(ical.PropAttendee) {
		attendees = append(attendees, strings.TrimPrefix(strings.TrimPrefix(prop.Value, "mailto:"), "MAILTO:"))
	}

	return model.CalendarEvent{
		ID:          id,
		AccountID:   c.accountID,
		CalendarID:  calendarID,
		Title:       title,
		Description: textProp(comp.Props, ical.PropDescription),
		StartTime:   start,
		EndTime:     end,
		AllDay:      allDay,
		Location:    textProp(comp.Props, ical.PropLocation),
		Color:       caldavDefaultColor,
		Attendees:   attendees,
	}, true
}

func textProp(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	return prop.Value
}

func (c *CalDAVSource) SourceType() string { return "caldav" }

func (c *CalDAVSource) Close() error {
	c.client = nil
	return nil
}
