// Package trigger turns record changes and scheduler ticks into notifications.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bloodbank-notifier/delivery"
	"bloodbank-notifier/pkg/relay"
)

// Broadcaster sends a notification to its audience.
type Broadcaster interface {
	Broadcast(ctx context.Context, n relay.Notification) (delivery.Result, error)
}

// EventStore is the part of the records repository the triggers read.
type EventStore interface {
	ListEvents(ctx context.Context) ([]relay.Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

// Policy selects how due events become notifications.
type Policy string

const (
	// PerItem sends one notification per due event.
	PerItem Policy = "per-item"
	// Aggregate sends one notification listing every due event.
	Aggregate Policy = "aggregate"
)

// ParsePolicy validates a policy name. Empty selects PerItem.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PerItem, nil
	case PerItem, Aggregate:
		return p, nil
	default:
		return "", fmt.Errorf("unknown event notify policy %q", s)
	}
}

// Triggers reacts to donor additions and scheduler ticks.
type Triggers struct {
	broadcaster Broadcaster
	events      EventStore
	logger      *slog.Logger
	policy      Policy
	location    *time.Location
	now         func() time.Time
}

// Option configures Triggers.
type Option func(*Triggers)

// WithPolicy sets the scheduled-check policy.
func WithPolicy(p Policy) Option {
	return func(t *Triggers) { t.policy = p }
}

// WithLocation sets the time zone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(t *Triggers) {
		if loc != nil {
			t.location = loc
		}
	}
}

// WithClock overrides the current time.
func WithClock(now func() time.Time) Option {
	return func(t *Triggers) { t.now = now }
}

// New creates the trigger reactions.
func New(b Broadcaster, events EventStore, logger *slog.Logger, opts ...Option) *Triggers {
	t := &Triggers{
		broadcaster: b,
		events:      events,
		logger:      logger,
		policy:      PerItem,
		location:    time.Local,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DonorNotification builds the announcement for a new donor, targeted at
// the donor's blood group.
func DonorNotification(d relay.Donor) relay.Notification {
	return relay.Notification{
		Title: "New Donor Added",
		Body: fmt.Sprintf("A new donor with blood group %s is available! Contact: %s - %s",
			d.BloodGroup, d.ContactName, d.ContactNumber),
		TargetAttribute: strings.TrimSpace(d.BloodGroup),
	}
}

// OnDonorAdded announces d to matching subscribers.
func (t *Triggers) OnDonorAdded(ctx context.Context, d relay.Donor) {
	res, err := t.broadcaster.Broadcast(ctx, DonorNotification(d))
	if err != nil {
		t.logger.Error("Donor announcement failed", "donor_id", d.ID, "error", err)
		return
	}
	t.logger.Info("Donor announced",
		"donor_id", d.ID,
		"blood_group", d.BloodGroup,
		"pass_id", res.PassID,
		"attempted", res.Attempted,
		"delivered", res.Delivered)
}

// OnScheduledCheck broadcasts reminders for events due today and returns
// the number of notifications sent.
func (t *Triggers) OnScheduledCheck(ctx context.Context) (int, error) {
	events, err := t.events.ListEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	today := t.now().In(t.location)
	t.logger.Info("Checking events", "date", today.Format(time.DateOnly), "events", len(events), "policy", string(t.policy))

	due := t.dueToday(events, today)
	notes := EventNotifications(due, t.policy)
	for _, n := range notes {
		res, err := t.broadcaster.Broadcast(ctx, n)
		if err != nil {
			t.logger.Error("Event reminder failed", "title", n.Title, "error", err)
			continue
		}
		t.logger.Info("Event reminder sent", "body", n.Body, "pass_id", res.PassID, "attempted", res.Attempted)
	}
	return len(notes), nil
}

func (t *Triggers) dueToday(events []relay.Event, today time.Time) []relay.Event {
	var due []relay.Event
	for _, e := range events {
		if !ValidTime(e.Time) {
			t.logger.Info("Skipping event without a valid time", "event", e.Name, "time", e.Time)
			continue
		}
		date, err := ParseDate(e.Date, t.location)
		if err != nil {
			t.logger.Info("Skipping event with unreadable date", "event", e.Name, "date", e.Date)
			continue
		}
		if sameDay(date, today) {
			due = append(due, e)
		}
	}
	return due
}

// EventNotifications builds reminders for due events under policy p.
func EventNotifications(due []relay.Event, p Policy) []relay.Notification {
	if len(due) == 0 {
		return nil
	}
	if p != Aggregate || len(due) == 1 {
		out := make([]relay.Notification, 0, len(due))
		for _, e := range due {
			out = append(out, relay.Notification{
				Title: "Upcoming Event",
				Body:  fmt.Sprintf("Reminder: %s is today at %s!", e.Name, e.Time),
			})
		}
		return out
	}

	parts := make([]string, 0, len(due))
	for _, e := range due {
		parts = append(parts, fmt.Sprintf("%s at %s", e.Name, e.Time))
	}
	return []relay.Notification{{
		Title: "Upcoming Events",
		Body:  strings.Join(parts, "; "),
	}}
}

// CleanupPastEvents deletes events dated before today and returns how many
// were removed. Events with unreadable dates are kept.
func (t *Triggers) CleanupPastEvents(ctx context.Context) (int, error) {
	events, err := t.events.ListEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	now := t.now().In(t.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.location)

	var deleted int
	for _, e := range events {
		date, err := ParseDate(e.Date, t.location)
		if err != nil {
			t.logger.Warn("Keeping event with unreadable date", "event_id", e.ID, "event", e.Name, "date", e.Date)
			continue
		}
		if !date.Before(today) {
			continue
		}
		if err := t.events.DeleteEvent(ctx, e.ID); err != nil {
			t.logger.Error("Failed to delete past event", "event_id", e.ID, "error", err)
			continue
		}
		deleted++
		t.logger.Info("Deleted past event", "event_id", e.ID, "event", e.Name, "date", e.Date)
	}

	t.logger.Info("Past event cleanup completed", "checked", len(events), "deleted", deleted)
	return deleted, nil
}
