// Package records stores donor and event records and watches for new donors.
//
// Two backends implement Repository: Firestore for production, and SQLite
// for local development and tests.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bloodbank-notifier/pkg/relay"
)

// DefaultEventStatus is applied when an event is saved without a status.
const DefaultEventStatus = "active"

var (
	// ErrNotFound is returned when a record or query matches nothing.
	ErrNotFound = errors.New("record not found")
	// ErrMissingFields is returned when a required field is blank.
	ErrMissingFields = errors.New("missing required fields")
)

// DonorHandler receives donors added after a watch started.
type DonorHandler func(ctx context.Context, d relay.Donor)

// Repository is the donor/event store.
type Repository interface {
	AddDonor(ctx context.Context, d relay.Donor) (string, error)
	// DonorByContact returns the first donor with the given contact number.
	DonorByContact(ctx context.Context, contactNumber string) (relay.Donor, error)
	UpdateDonor(ctx context.Context, id string, d relay.Donor) error
	DeleteDonor(ctx context.Context, id string) error

	AddEvent(ctx context.Context, e relay.Event) (string, error)
	EventsByName(ctx context.Context, name string) ([]relay.Event, error)
	UpdateEvent(ctx context.Context, id string, e relay.Event) error
	DeleteEvent(ctx context.Context, id string) error
	ListEvents(ctx context.Context) ([]relay.Event, error)

	// WatchDonors calls fn for each donor added after the watch starts.
	// Donors already stored are not reported. It blocks until ctx is done.
	WatchDonors(ctx context.Context, fn DonorHandler) error

	Close() error
}

// ValidateDonor checks that every donor field is present.
func ValidateDonor(d relay.Donor) error {
	return required([][2]string{
		{"name", d.Name},
		{"bloodGroup", d.BloodGroup},
		{"contactNumber", d.ContactNumber},
		{"contactName", d.ContactName},
		{"caseType", d.CaseType},
	})
}

// ValidateEvent checks every event field except status.
func ValidateEvent(e relay.Event) error {
	return required([][2]string{
		{"name", e.Name},
		{"imageUrl", e.ImageURL},
		{"description", e.Description},
		{"registerLink", e.RegisterLink},
		{"date", e.Date},
		{"time", e.Time},
		{"club", e.Club},
	})
}

// NormalizeEvent fills the default status.
func NormalizeEvent(e relay.Event) relay.Event {
	if strings.TrimSpace(e.Status) == "" {
		e.Status = DefaultEventStatus
	}
	return e
}

// required takes (field, value) pairs and names the blank ones.
func required(fields [][2]string) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return nil
}
