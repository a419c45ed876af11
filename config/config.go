// Package config loads service settings from .env, an optional YAML file and
// the environment, in increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

// Config holds every setting the service reads at start-up.
type Config struct {
	Port     string
	LogLevel slog.Level

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushTTL         time.Duration

	DeliveryConcurrency int

	StorageBucket string
	LocalStorage  string

	Firebase              Firebase
	GoogleCredentialsJSON string
	SQLitePath            string
	DonorPollInterval     time.Duration

	// NotifyTimes, CleanupTime and EventNotifyPolicy are passed through as
	// written; the scheduler and the triggers parse them.
	NotifyTimes       string
	CleanupTime       string
	SweepInterval     time.Duration
	EventNotifyPolicy string
	Location          *time.Location

	RateLimitPerHour int
}

// Firebase holds the service-account fields for Firestore access.
type Firebase struct {
	Type                    string `json:"type"`
	ProjectID               string `json:"project_id"`
	PrivateKeyID            string `json:"private_key_id"`
	PrivateKey              string `json:"private_key"`
	ClientEmail             string `json:"client_email"`
	ClientID                string `json:"client_id"`
	AuthURI                 string `json:"auth_uri"`
	TokenURI                string `json:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url"`
	UniverseDomain          string `json:"universe_domain,omitempty"`
}

// source resolves a key from the environment, then the YAML file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) or(key, def string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return def
}

// Load reads envFile (missing is fine), then the YAML file named by
// CONFIG_FILE if set, then the environment, and validates the result.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	src := source{file: map[string]string{}}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg, err := build(src)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readYAML reads a flat mapping of setting names to scalar values.
// Keys are matched case-insensitively against the environment names.
func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out, nil
}

func build(src source) (*Config, error) {
	var errs []error
	intOr := func(key string, def int) int {
		v := src.get(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return def
		}
		return n
	}
	durationOr := func(key string, def time.Duration) time.Duration {
		v := src.get(key)
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q: %w", key, v, err))
			return def
		}
		return d
	}

	cfg := &Config{
		Port:                src.or("PORT", "8080"),
		VAPIDPublicKey:      src.get("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:     src.get("VAPID_PRIVATE_KEY"),
		VAPIDSubject:        src.or("VAPID_SUBJECT", "mailto:admin@example.com"),
		PushTTL:             time.Duration(intOr("PUSH_TTL", 86400)) * time.Second,
		DeliveryConcurrency: intOr("DELIVERY_CONCURRENCY", 16),
		StorageBucket:       src.get("STORAGE_BUCKET"),
		LocalStorage:        src.get("LOCAL_STORAGE"),
		Firebase: Firebase{
			Type:                    src.or("FIREBASE_TYPE", "service_account"),
			ProjectID:               src.get("FIREBASE_PROJECT_ID"),
			PrivateKeyID:            src.get("FIREBASE_PRIVATE_KEY_ID"),
			PrivateKey:              strings.ReplaceAll(src.get("FIREBASE_PRIVATE_KEY"), `\n`, "\n"),
			ClientEmail:             src.get("FIREBASE_CLIENT_EMAIL"),
			ClientID:                src.get("FIREBASE_CLIENT_ID"),
			AuthURI:                 src.or("FIREBASE_AUTH_URI", "https://accounts.google.com/o/oauth2/auth"),
			TokenURI:                src.or("FIREBASE_TOKEN_URI", "https://oauth2.googleapis.com/token"),
			AuthProviderX509CertURL: src.or("FIREBASE_AUTH_PROVIDER_X509_CERT_URL", "https://www.googleapis.com/oauth2/v1/certs"),
			ClientX509CertURL:       src.get("FIREBASE_CLIENT_X509_CERT_URL"),
			UniverseDomain:          src.get("FIREBASE_UNIVERSE_DOMAIN"),
		},
		GoogleCredentialsJSON: src.get("GOOGLE_CREDENTIALS_JSON"),
		SQLitePath:            src.or("SQLITE_PATH", "./data/records.db"),
		DonorPollInterval:     durationOr("DONOR_POLL_INTERVAL", 10*time.Second),
		NotifyTimes:           src.or("NOTIFY_TIMES", "09:00,16:30"),
		CleanupTime:           src.or("CLEANUP_TIME", "01:00"),
		EventNotifyPolicy:     src.get("EVENT_NOTIFY_POLICY"),
		SweepInterval:         durationOr("SWEEP_INTERVAL", time.Hour),
		RateLimitPerHour:      intOr("RATE_LIMIT_PER_HOUR", 30),
		Location:              time.Local,
	}

	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(src.or("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if tz := src.get("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
		} else {
			cfg.Location = loc
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and ranges. Time-of-day and
// policy values are checked where they are parsed.
func (c *Config) Validate() error {
	var errs []error
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.DonorPollInterval <= 0 {
		errs = append(errs, errors.New("DONOR_POLL_INTERVAL must be positive"))
	}
	if c.PushTTL <= 0 {
		errs = append(errs, errors.New("PUSH_TTL must be positive"))
	}
	if c.DeliveryConcurrency <= 0 {
		errs = append(errs, errors.New("DELIVERY_CONCURRENCY must be positive"))
	}
	if c.RateLimitPerHour <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_HOUR must be positive"))
	}
	return errors.Join(errs...)
}

// PushEnabled reports whether real Web Push delivery is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// FirestoreEnabled reports whether records live in Firestore.
func (c *Config) FirestoreEnabled() bool {
	return c.Firebase.ProjectID != ""
}

// CredentialsJSON returns explicit Google credentials, or nil to use
// Application Default Credentials. GOOGLE_CREDENTIALS_JSON wins over the
// assembled FIREBASE_* service account.
func (c *Config) CredentialsJSON() ([]byte, error) {
	if c.GoogleCredentialsJSON != "" {
		return []byte(c.GoogleCredentialsJSON), nil
	}
	if c.Firebase.PrivateKey == "" || c.Firebase.ClientEmail == "" {
		return nil, nil
	}
	data, err := json.Marshal(c.Firebase)
	if err != nil {
		return nil, fmt.Errorf("marshal firebase credentials: %w", err)
	}
	return data, nil
}
