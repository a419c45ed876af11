package records

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"bloodbank-notifier/pkg/relay"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DefaultPollInterval is how often the SQLite donor watch checks for new rows.
const DefaultPollInterval = 10 * time.Second

// SQLite is a Repository backed by a local SQLite file.
type SQLite struct {
	db           *sql.DB
	logger       *slog.Logger
	pollInterval time.Duration
}

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, pollInterval time.Duration, logger *slog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &SQLite{db: db, logger: logger, pollInterval: pollInterval}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// AddDonor stores d under a generated ID.
func (s *SQLite) AddDonor(ctx context.Context, d relay.Donor) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO donors(id, name, blood_group, contact_number, contact_name, case_type) VALUES(?,?,?,?,?,?)`,
		id, d.Name, d.BloodGroup, d.ContactNumber, d.ContactName, d.CaseType)
	if err != nil {
		return "", fmt.Errorf("add donor: %w", err)
	}
	return id, nil
}

const donorColumns = `seq, id, name, blood_group, contact_number, contact_name, case_type`

func scanDonor(row interface{ Scan(...any) error }) (int64, relay.Donor, error) {
	var seq int64
	var d relay.Donor
	err := row.Scan(&seq, &d.ID, &d.Name, &d.BloodGroup, &d.ContactNumber, &d.ContactName, &d.CaseType)
	return seq, d, err
}

// DonorByContact returns the oldest donor with the given contact number.
func (s *SQLite) DonorByContact(ctx context.Context, contactNumber string) (relay.Donor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+donorColumns+` FROM donors WHERE contact_number = ? ORDER BY seq LIMIT 1`, contactNumber)
	_, d, err := scanDonor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Donor{}, ErrNotFound
	}
	if err != nil {
		return relay.Donor{}, fmt.Errorf("query donor: %w", err)
	}
	return d, nil
}

// UpdateDonor replaces every field of an existing donor.
func (s *SQLite) UpdateDonor(ctx context.Context, id string, d relay.Donor) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donors SET name=?, blood_group=?, contact_number=?, contact_name=?, case_type=? WHERE id=?`,
		d.Name, d.BloodGroup, d.ContactNumber, d.ContactName, d.CaseType, id)
	if err != nil {
		return fmt.Errorf("update donor %s: %w", id, err)
	}
	return requireRow(res, "donor", id)
}

// DeleteDonor removes a donor. Deleting a missing donor succeeds.
func (s *SQLite) DeleteDonor(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM donors WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete donor %s: %w", id, err)
	}
	return nil
}

// AddEvent stores e under a generated ID.
func (s *SQLite) AddEvent(ctx context.Context, e relay.Event) (string, error) {
	e = NormalizeEvent(e)
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, name, image_url, description, register_link, date, time, club, status) VALUES(?,?,?,?,?,?,?,?,?)`,
		id, e.Name, e.ImageURL, e.Description, e.RegisterLink, e.Date, e.Time, e.Club, e.Status)
	if err != nil {
		return "", fmt.Errorf("add event: %w", err)
	}
	return id, nil
}

const eventColumns = `id, name, image_url, description, register_link, date, time, club, status`

func (s *SQLite) queryEvents(ctx context.Context, query string, args ...any) ([]relay.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []relay.Event
	for rows.Next() {
		var e relay.Event
		if err := rows.Scan(&e.ID, &e.Name, &e.ImageURL, &e.Description, &e.RegisterLink, &e.Date, &e.Time, &e.Club, &e.Status); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsByName returns every event with exactly this name.
func (s *SQLite) EventsByName(ctx context.Context, name string) ([]relay.Event, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE name = ? ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

// UpdateEvent replaces every field of an existing event.
func (s *SQLite) UpdateEvent(ctx context.Context, id string, e relay.Event) error {
	e = NormalizeEvent(e)
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET name=?, image_url=?, description=?, register_link=?, date=?, time=?, club=?, status=? WHERE id=?`,
		e.Name, e.ImageURL, e.Description, e.RegisterLink, e.Date, e.Time, e.Club, e.Status, id)
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}
	return requireRow(res, "event", id)
}

// DeleteEvent removes an event. Deleting a missing event succeeds.
func (s *SQLite) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// ListEvents returns every stored event in insertion order.
func (s *SQLite) ListEvents(ctx context.Context) ([]relay.Event, error) {
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// WatchDonors polls for rows inserted after the watch started.
func (s *SQLite) WatchDonors(ctx context.Context, fn DonorHandler) error {
	var cursor int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM donors`).Scan(&cursor); err != nil {
		return fmt.Errorf("read donor cursor: %w", err)
	}
	s.logger.Info("Donor watch started", "backend", "sqlite", "cursor", cursor, "interval", s.pollInterval.String())

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Donor watch stopped", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		}

		next, err := s.pollDonors(ctx, cursor, fn)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn("Donor poll failed", "cursor", cursor, "error", err)
			continue
		}
		cursor = next
	}
}

func (s *SQLite) pollDonors(ctx context.Context, cursor int64, fn DonorHandler) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+donorColumns+` FROM donors WHERE seq > ? ORDER BY seq`, cursor)
	if err != nil {
		return cursor, err
	}

	var added []relay.Donor
	for rows.Next() {
		seq, d, err := scanDonor(rows)
		if err != nil {
			_ = rows.Close()
			return cursor, err
		}
		added = append(added, d)
		cursor = seq
	}
	if err := rows.Close(); err != nil {
		return cursor, err
	}
	if err := rows.Err(); err != nil {
		return cursor, err
	}

	// The connection is released before handlers run.
	for _, d := range added {
		s.logger.Info("New donor added", "id", d.ID, "name", d.Name, "blood_group", d.BloodGroup)
		fn(ctx, d)
	}
	return cursor, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
