package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calhub/internal/config"
	applog "calhub/internal/log"
	"calhub/internal/model"
)

// googleColorMap translates Google's colorId values to hex colors.
var googleColorMap = map[string]string{
	"1": "#a4bdfc", "2": "#7ae7bf", "3": "#dbadff", "4": "#ff887c",
	"5": "#fbd75b", "6": "#ffb878", "7": "#46d6db", "8": "#e1e1e1",
	"9": "#5484ed", "10": "#51b749", "11": "#dc2127",
}

const googleDefaultColor = "#4285f4"

// GoogleSource reads events through the Google Calendar API using a
// previously stored OAuth token. Obtaining that token (the browser
// consent flow) is outside this service; we only load and refresh it.
type GoogleSource struct {
	accountID string
	cfg       config.AccountConfig
	maxEvents int

	oauth   *oauth2.Config
	service *calendar.Service
}

func NewGoogleSource(acc config.AccountConfig, maxEvents int) *GoogleSource {
	return &GoogleSource{
		accountID: acc.ID,
		cfg:       acc,
		maxEvents: maxEvents,
		oauth: &oauth2.Config{
			ClientID:     acc.ClientID,
			ClientSecret: acc.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendar.CalendarReadonlyScope},
		},
	}
}

// Authenticate loads the stored OAuth token and builds the calendar
// service. A missing or unreadable token is reported as
// ErrNotAuthenticated so the orchestrator can skip this source.
func (g *GoogleSource) Authenticate(ctx context.Context) error {
	data, err := os.ReadFile(g.cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("%w: reading token for %s: %v", ErrNotAuthenticated, g.accountID, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("%w: decoding token for %s: %v", ErrNotAuthenticated, g.accountID, err)
	}

	client := g.oauth.Client(ctx, &token)
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("creating calendar service for %s: %w", g.accountID, err)
	}
	g.service = svc
	applog.Debug("google source authenticated", "account", g.accountID)
	return nil
}

func (g *GoogleSource) Authenticated() bool {
	return g.service != nil
}

func (g *GoogleSource) Calendars(ctx context.Context) ([]model.CalendarInfo, error) {
	if g.service == nil {
		return nil, ErrNotAuthenticated
	}

	var calendars []model.CalendarInfo
	pageToken := ""
	for {
		list, err := g.service.CalendarList.List().PageToken(pageToken).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("listing calendars for %s: %w", g.accountID, err)
		}
		for _, item := range list.Items {
			color := item.BackgroundColor
			if color == "" {
				color = googleDefaultColor
			}
			calendars = append(calendars, model.CalendarInfo{
				ID:          item.Id,
				AccountID:   g.accountID,
				Name:        item.Summary,
				Description: item.Description,
				Color:       color,
				Primary:     item.Primary,
				AccessRole:  item.AccessRole,
			})
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return calendars, nil
}

func (g *GoogleSource) Events(ctx context.Context, calendarID string, from, to time.Time) ([]model.CalendarEvent, error) {
	if g.service == nil {
		return nil, ErrNotAuthenticated
	}

	var events []model.CalendarEvent
	pageToken := ""
	for {
		list, err := g.service.Events.List(calendarID).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			PageToken(pageToken).
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("listing events for %s/%s: %w", g.accountID, calendarID, err)
		}

		for _, item := range list.Items {
			ev, ok := g.parseEvent(item, calendarID)
			if !ok {
				continue
			}
			events = append(events, ev)
			if len(events) >= g.maxEvents {
				applog.Warn("event cap reached", "account", g.accountID, "calendar", calendarID, "cap", g.maxEvents)
				return events, nil
			}
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return events, nil
}

// parseEvent normalizes one API event. All-day events carry a Date
// instead of a DateTime and get midnight-aligned boundaries.
func (g *GoogleSource) parseEvent(item *calendar.Event, calendarID string) (model.CalendarEvent, bool) {
	if item.Start == nil || item.End == nil {
		return model.CalendarEvent{}, false
	}

	var start, end time.Time
	var allDay bool
	var err error

	if item.Start.DateTime != "" {
		start, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err == nil {
			end, err = time.Parse(time.RFC3339, item.End.DateTime)
		}
	} else {
		allDay = true
		start, err = time.Parse("2006-01-02", item.Start.Date)
		if err == nil {
			end, err = time.Parse("2006-01-02", item.End.Date)
		}
	}
	if err != nil {
		applog.Warn("skipping event with unparseable time", "account", g.accountID, "event", item.Id)
		return model.CalendarEvent{}, false
	}

	color := googleDefaultColor
	if c, ok := googleColorMap[item.ColorId]; ok {
		color = c
	}

	var attendees []string
	for _, att := range item.Attendees {
		if att.Email != "" {
			attendees = append(attendees, att.Email)
		} else if att.DisplayName != "" {
			attendees = append(attendees, att.DisplayName)
		}
	}

	title := item.Summary
	if title == "" {
		title = "(No Title)"
	}

	return model.CalendarEvent{
		ID:          item.Id,
		AccountID:   g.accountID,
		CalendarID:  calendarID,
		Title:       title,
		Description: item.Description,
		StartTime:   start,
		EndTime:     end,
		AllDay:      allDay,
		Location:    item.Location,
		Color:       color,
		Attendees:   attendees,
	}, true
}

func (g *GoogleSource) SourceType() string { return "google" }

func (g *GoogleSource) Close() error {
	g.service = nil
	return nil
}
