// Package storage handles persistence of push subscriptions.
//
// Each subscription is one JSON object named after a hash of its endpoint,
// kept either in a Cloud Storage bucket or in a local directory.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"bloodbank-notifier/pkg/relay"
)

const keyPrefix = "sub-"

// ErrNotFound is returned when a subscription object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store handles subscription persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SubscriptionKey derives a stable object name from an endpoint.
func SubscriptionKey(endpoint string) string {
	h := sha256.Sum256([]byte(endpoint))
	return keyPrefix + hex.EncodeToString(h[:]) + ".json"
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save writes a subscription, replacing any object with the same key.
func (s *Store) Save(ctx context.Context, sub relay.Subscription) error {
	key := SubscriptionKey(sub.Endpoint)
	s.logger.Debug("Saving subscription", "key", key, "endpoint", sub.Endpoint)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Subscription saved to local storage", "path", filePath)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Subscription saved", "key", key)
	return nil
}

// Load reads one subscription object by key.
func (s *Store) Load(ctx context.Context, key string) (relay.Subscription, error) {
	var sub relay.Subscription
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return sub, ErrNotFound
			}
			return sub, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOpts(ctx, s.logger, "load", key)...,
		)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return sub, ErrNotFound
			}
			return sub, fmt.Errorf("load after retries: %w", err)
		}
	}

	if err := json.Unmarshal(data, &sub); err != nil {
		return sub, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return sub, nil
}

type entry struct {
	key string
	sub relay.Subscription
}

// entries reads every stored subscription except the object named skip.
// Objects that cannot be read are skipped and reported in loadErr.
func (s *Store) entries(ctx context.Context, skip string) (out []entry, loadErr error, err error) {
	var keys []string

	if s.localPath != "" {
		dirEntries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil, nil
			}
			return nil, nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, e := range dirEntries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), keyPrefix) || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			keys = append(keys, e.Name())
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	var loadErrs []error
	out = make([]entry, 0, len(keys))
	for _, key := range keys {
		if key == skip {
			continue
		}
		sub, err := s.Load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load subscription", "key", key, "error", err)
			loadErrs = append(loadErrs, fmt.Errorf("load %s: %w", key, err))
			continue
		}
		out = append(out, entry{key: key, sub: sub})
	}
	return out, errors.Join(loadErrs...), nil
}

// List returns every stored subscription. Unreadable objects are logged and skipped.
func (s *Store) List(ctx context.Context) ([]relay.Subscription, error) {
	entries, _, err := s.entries(ctx, "")
	if err != nil {
		return nil, err
	}
	subs := make([]relay.Subscription, 0, len(entries))
	for _, e := range entries {
		subs = append(subs, e.sub)
	}
	return subs, nil
}

// DeleteByEndpoint removes the endpoint's own object, then every stray object
// written for the same endpoint under a different key. Deleting nothing is not
// an error; objects that could not be read during the stray scan are reported.
func (s *Store) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	key := SubscriptionKey(endpoint)
	if err := s.delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	entries, loadErr, err := s.entries(ctx, key)
	if err != nil {
		return fmt.Errorf("list strays: %w", err)
	}

	errs := []error{loadErr}
	var strays int
	for _, e := range entries {
		if e.sub.Endpoint != endpoint {
			continue
		}
		if err := s.delete(ctx, e.key); err != nil {
			errs = append(errs, err)
			continue
		}
		strays++
	}

	s.logger.Info("Subscription deleted from storage", "endpoint", endpoint, "strays", strays)
	return errors.Join(errs...)
}

func (s *Store) delete(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Already gone counts as deleted.
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// IsNotFound checks if an error indicates a subscription was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
