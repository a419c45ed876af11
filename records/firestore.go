package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"bloodbank-notifier/pkg/relay"
)

const (
	donorsCollection = "donors"
	eventsCollection = "events"

	watchMinBackoff = time.Second
	watchMaxBackoff = time.Minute
)

// Firestore is a Repository backed by Cloud Firestore.
type Firestore struct {
	client *firestore.Client
	logger *slog.Logger
}

// NewFirestore connects to the project's default database.
// credentialsJSON may be empty to use Application Default Credentials.
func NewFirestore(ctx context.Context, projectID string, credentialsJSON []byte, logger *slog.Logger) (*Firestore, error) {
	var opts []option.ClientOption
	if len(credentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Firestore{client: client, logger: logger}, nil
}

// Close releases the client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

// AddDonor stores d under a generated ID.
func (f *Firestore) AddDonor(ctx context.Context, d relay.Donor) (string, error) {
	ref, _, err := f.client.Collection(donorsCollection).Add(ctx, d)
	if err != nil {
		return "", fmt.Errorf("add donor: %w", err)
	}
	return ref.ID, nil
}

// DonorByContact returns the first donor with the given contact number.
func (f *Firestore) DonorByContact(ctx context.Context, contactNumber string) (relay.Donor, error) {
	docs, err := f.client.Collection(donorsCollection).
		Where("contactNumber", "==", contactNumber).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return relay.Donor{}, fmt.Errorf("query donor: %w", err)
	}
	if len(docs) == 0 {
		return relay.Donor{}, ErrNotFound
	}
	return donorFrom(docs[0])
}

// UpdateDonor replaces every field of an existing donor.
func (f *Firestore) UpdateDonor(ctx context.Context, id string, d relay.Donor) error {
	_, err := f.client.Collection(donorsCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "name", Value: d.Name},
		{Path: "bloodGroup", Value: d.BloodGroup},
		{Path: "contactNumber", Value: d.ContactNumber},
		{Path: "contactName", Value: d.ContactName},
		{Path: "case", Value: d.CaseType},
	})
	if err != nil {
		return fmt.Errorf("update donor %s: %w", id, mapErr(err))
	}
	return nil
}

// DeleteDonor removes a donor. Deleting a missing donor succeeds.
func (f *Firestore) DeleteDonor(ctx context.Context, id string) error {
	if _, err := f.client.Collection(donorsCollection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("delete donor %s: %w", id, err)
	}
	return nil
}

// AddEvent stores e under a generated ID.
func (f *Firestore) AddEvent(ctx context.Context, e relay.Event) (string, error) {
	ref, _, err := f.client.Collection(eventsCollection).Add(ctx, NormalizeEvent(e))
	if err != nil {
		return "", fmt.Errorf("add event: %w", err)
	}
	return ref.ID, nil
}

// EventsByName returns every event with exactly this name.
func (f *Firestore) EventsByName(ctx context.Context, name string) ([]relay.Event, error) {
	docs, err := f.client.Collection(eventsCollection).Where("name", "==", name).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return eventsFrom(docs)
}

// UpdateEvent replaces every field of an existing event.
func (f *Firestore) UpdateEvent(ctx context.Context, id string, e relay.Event) error {
	e = NormalizeEvent(e)
	_, err := f.client.Collection(eventsCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "name", Value: e.Name},
		{Path: "imageUrl", Value: e.ImageURL},
		{Path: "description", Value: e.Description},
		{Path: "registerLink", Value: e.RegisterLink},
		{Path: "date", Value: e.Date},
		{Path: "time", Value: e.Time},
		{Path: "club", Value: e.Club},
		{Path: "status", Value: e.Status},
	})
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, mapErr(err))
	}
	return nil
}

// DeleteEvent removes an event. Deleting a missing event succeeds.
func (f *Firestore) DeleteEvent(ctx context.Context, id string) error {
	if _, err := f.client.Collection(eventsCollection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// ListEvents returns every stored event.
func (f *Firestore) ListEvents(ctx context.Context) ([]relay.Event, error) {
	var docs []*firestore.DocumentSnapshot
	err := retry.Do(
		func() error {
			var err error
			docs, err = f.client.Collection(eventsCollection).Documents(ctx).GetAll()
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying event listing after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("list events after retries: %w", err)
	}
	return eventsFrom(docs)
}

// WatchDonors follows the donors collection. The first snapshot only seeds
// the set of known donors. When the stream breaks it reconnects with
// exponential backoff, and donors added during the outage are reported
// from the next initial snapshot.
func (f *Firestore) WatchDonors(ctx context.Context, fn DonorHandler) error {
	known := make(map[string]struct{})
	seeded := false
	backoff := watchMinBackoff

	for {
		err := f.watchOnce(ctx, known, &seeded, fn, func() { backoff = watchMinBackoff })
		if ctx.Err() != nil {
			f.logger.Info("Donor watch stopped", "reason", ctx.Err())
			return nil
		}

		f.logger.Warn("Donor watch interrupted, reconnecting", "error", err, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			f.logger.Info("Donor watch stopped", "reason", ctx.Err())
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchMaxBackoff)
	}
}

func (f *Firestore) watchOnce(ctx context.Context, known map[string]struct{}, seeded *bool, fn DonorHandler, healthy func()) error {
	it := f.client.Collection(donorsCollection).Snapshots(ctx)
	defer it.Stop()

	first := true
	for {
		snap, err := it.Next()
		if err != nil {
			return err
		}
		healthy()

		if first {
			first = false
			docs, err := snap.Documents.GetAll()
			if err != nil {
				return fmt.Errorf("read initial snapshot: %w", err)
			}
			f.reconcile(ctx, docs, known, *seeded, fn)
			*seeded = true
			continue
		}

		for _, change := range snap.Changes {
			id := change.Doc.Ref.ID
			switch change.Kind {
			case firestore.DocumentAdded:
				if _, ok := known[id]; ok {
					continue
				}
				known[id] = struct{}{}
				f.announce(ctx, change.Doc, fn)
			case firestore.DocumentRemoved:
				delete(known, id)
			}
		}
	}
}

// reconcile replaces the known set with docs, announcing unseen ones after
// the first connection.
func (f *Firestore) reconcile(ctx context.Context, docs []*firestore.DocumentSnapshot, known map[string]struct{}, announce bool, fn DonorHandler) {
	current := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		current[doc.Ref.ID] = struct{}{}
		if _, ok := known[doc.Ref.ID]; !ok && announce {
			f.announce(ctx, doc, fn)
		}
	}
	clear(known)
	for id := range current {
		known[id] = struct{}{}
	}
	f.logger.Info("Donor watch synchronized", "donors", len(current))
}

func (f *Firestore) announce(ctx context.Context, doc *firestore.DocumentSnapshot, fn DonorHandler) {
	d, err := donorFrom(doc)
	if err != nil {
		f.logger.Warn("Skipping unreadable donor", "id", doc.Ref.ID, "error", err)
		return
	}
	f.logger.Info("New donor added", "id", d.ID, "name", d.Name, "blood_group", d.BloodGroup)
	fn(ctx, d)
}

func donorFrom(doc *firestore.DocumentSnapshot) (relay.Donor, error) {
	var d relay.Donor
	if err := doc.DataTo(&d); err != nil {
		return relay.Donor{}, fmt.Errorf("decode donor %s: %w", doc.Ref.ID, err)
	}
	d.ID = doc.Ref.ID
	return d, nil
}

func eventsFrom(docs []*firestore.DocumentSnapshot) ([]relay.Event, error) {
	events := make([]relay.Event, 0, len(docs))
	for _, doc := range docs {
		var e relay.Event
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", doc.Ref.ID, err)
		}
		e.ID = doc.Ref.ID
		events = append(events, e)
	}
	return events, nil
}

func mapErr(err error) error {
	if status.Code(err) == codes.NotFound {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
