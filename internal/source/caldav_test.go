package source

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
)

func testCalDAVSource() *CalDAVSource {
	return &CalDAVSource{accountID: "acc1", maxEvents: 100}
}

func newVEvent(uid string, start, end time.Time) *ical.Component {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, uid)
	comp.Props.SetText(ical.PropSummary, "Standup")
	comp.Props.SetDateTime(ical.PropDateTimeStart, start)
	comp.Props.SetDateTime(ical.PropDateTimeEnd, end)
	return comp
}

func setRawProp(comp *ical.Component, name, value string) {
	p := ical.NewProp(name)
	p.Value = value
	comp.Props.Add(p)
}

func TestParseComponent(t *testing.T) {
	src := testCalDAVSource()
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	comp := newVEvent("ev-1", start, end)
	comp.Props.SetText(ical.PropDescription, "daily standup")
	comp.Props.SetText(ical.PropLocation, "Room 4")
	setRawProp(comp, ical.PropAttendee, "mailto:alice@example.com")
	setRawProp(comp, ical.PropAttendee, "mailto:bob@example.com")

	ev, ok := src.parseComponent(comp, "/cal/work/")
	if !ok {
		t.Fatal("parseComponent rejected a valid component")
	}
	if ev.ID != "ev-1" || ev.Title != "Standup" {
		t.Errorf("got id=%q title=%q", ev.ID, ev.Title)
	}
	if ev.AccountID != "acc1" || ev.CalendarID != "/cal/work/" {
		t.Errorf("got account=%q calendar=%q", ev.AccountID, ev.CalendarID)
	}
	if !ev.StartTime.Equal(start) || !ev.EndTime.Equal(end) {
		t.Errorf("got start=%v end=%v", ev.StartTime, ev.EndTime)
	}
	if ev.AllDay {
		t.Error("timed event reported as all-day")
	}
	if ev.Location != "Room 4" || ev.Description != "daily standup" {
		t.Errorf("got location=%q description=%q", ev.Location, ev.Description)
	}
	if len(ev.Attendees) != 2 || ev.Attendees[0] != "alice@example.com" {
		t.Errorf("got attendees %v", ev.Attendees)
	}
}

func TestParseComponentAllDay(t *testing.T) {
	src := testCalDAVSource()

	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, "holiday-1")
	comp.Props.SetText(ical.PropSummary, "Company Holiday")
	startProp := ical.NewProp(ical.PropDateTimeStart)
	startProp.SetValueType(ical.ValueDate)
	startProp.Value = "20250105"
	comp.Props.Add(startProp)

	ev, ok := src.parseComponent(comp, "cal")
	if !ok {
		t.Fatal("parseComponent rejected an all-day component")
	}
	if !ev.AllDay {
		t.Error("DATE-valued DTSTART not reported as all-day")
	}
	want := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	if !ev.StartTime.Equal(want) {
		t.Errorf("start = %v, want %v", ev.StartTime, want)
	}
	// Without DTEND an all-day event spans one day.
	if got := ev.EndTime.Sub(ev.StartTime); got != 24*time.Hour {
		t.Errorf("duration = %v, want 24h", got)
	}
}

func TestParseComponentDefaults(t *testing.T) {
	src := testCalDAVSource()
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetDateTime(ical.PropDateTimeStart, start)

	ev, ok := src.parseComponent(comp, "cal")
	if !ok {
		t.Fatal("parseComponent rejected component without UID")
	}
	if ev.ID == "" {
		t.Error("missing UID should get a synthesized id")
	}
	if ev.Title != "(No Title)" {
		t.Errorf("title = %q, want placeholder", ev.Title)
	}
	// Without DTEND a timed event gets an hour.
	if got := ev.EndTime.Sub(ev.StartTime); got != time.Hour {
		t.Errorf("duration = %v, want 1h", got)
	}
}

func TestParseComponentNoStart(t *testing.T) {
	src := testCalDAVSource()
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, "bad")
	if _, ok := src.parseComponent(comp, "cal"); ok {
		t.Error("component without DTSTART should be rejected")
	}
}

func TestExpandComponentNonRecurring(t *testing.T) {
	src := testCalDAVSource()
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	comp := newVEvent("ev-1", start, start.Add(time.Hour))

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if got := src.expandComponent(comp, "cal", from, to); len(got) != 1 {
		t.Fatalf("expected 1 event inside window, got %d", len(got))
	}

	// The same event is dropped once the window moves past it.
	if got := src.expandComponent(comp, "cal", to, to.AddDate(0, 1, 0)); len(got) != 0 {
		t.Fatalf("expected 0 events outside window, got %d", len(got))
	}
}

func TestExpandComponentRecurring(t *testing.T) {
	src := testCalDAVSource()
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	comp := newVEvent("daily-1", start, start.Add(30*time.Minute))
	setRawProp(comp, ical.PropRecurrenceRule, "FREQ=DAILY;COUNT=5")

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	events := src.expandComponent(comp, "cal", from, to)
	if len(events) != 5 {
		t.Fatalf("expected 5 occurrences, got %d", len(events))
	}
	for i, ev := range events {
		wantStart := start.AddDate(0, 0, i)
		if !ev.StartTime.Equal(wantStart) {
			t.Errorf("occurrence %d start = %v, want %v", i, ev.StartTime, wantStart)
		}
		if got := ev.EndTime.Sub(ev.StartTime); got != 30*time.Minute {
			t.Errorf("occurrence %d duration = %v, want 30m", i, got)
		}
		if ev.ID != "daily-1" {
			t.Errorf("occurrence %d id = %q", i, ev.ID)
		}
	}

	// A narrower window only keeps the occurrences inside it.
	narrow := src.expandComponent(comp, "cal", start.AddDate(0, 0, 2), to)
	if len(narrow) != 3 {
		t.Errorf("expected 3 occurrences in narrowed window, got %d", len(narrow))
	}
}

func TestExpandComponentExDate(t *testing.T) {
	src := testCalDAVSource()
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	comp := newVEvent("daily-2", start, start.Add(time.Hour))
	setRawProp(comp, ical.PropRecurrenceRule, "FREQ=DAILY;COUNT=4")
	setRawProp(comp, ical.PropExceptionDates, "20250107T090000Z")

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	events := src.expandComponent(comp, "cal", from, to)
	if len(events) != 3 {
		t.Fatalf("expected 3 occurrences after exclusion, got %d", len(events))
	}
	excluded := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	for _, ev := range events {
		if ev.StartTime.Equal(excluded) {
			t.Errorf("excluded occurrence %v still present", excluded)
		}
	}
}

func TestExpandComponentBadRRule(t *testing.T) {
	src := testCalDAVSource()
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	comp := newVEvent("odd-1", start, start.Add(time.Hour))
	setRawProp(comp, ical.PropRecurrenceRule, "FREQ=SOMETIMES")

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	// An unparseable rule degrades to the base instance.
	events := src.expandComponent(comp, "cal", from, to)
	if len(events) != 1 {
		t.Fatalf("expected base instance only, got %d events", len(events))
	}
}
