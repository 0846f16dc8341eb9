package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Version is stamped at build time with
// -ldflags "-X github.com/md-rashed-zaman/eventpipe/libs/config.Version=1.4.2".
var Version = "dev"

// ServiceVersion returns SERVICE_VERSION, or the build stamp when unset.
func ServiceVersion() string {
	return String("SERVICE_VERSION", Version)
}

// LoadDotEnv loads a .env file from the working directory when present.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func String(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func RequiredString(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func Port(key, fallback string) (string, error) {
	v := String(key, fallback)
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a valid TCP port (got %q)", key, v)
	}
	return v, nil
}

func Int(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got %q)", key, v)
	}
	return n, nil
}

// Duration accepts Go duration syntax ("750ms", "2m") or a bare number of seconds.
func Duration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (got %q)", key, v)
	}
	return d, nil
}

func Bool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Pipeline holds the delivery knobs shared by the relay and the consumers.
type Pipeline struct {
	PartitionCount    int
	LeaseDuration     time.Duration
	MaxAttemptCount   int
	DedupTTL          time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	PublishTimeout    time.Duration
	StoreTimeout      time.Duration
	RelayBatchSize    int
	RelayPollInterval time.Duration
	RelayConcurrency  int
	OutboxRetention   time.Duration
	Topic             string
}

func DefaultPipeline() Pipeline {
	return Pipeline{
		PartitionCount:    12,
		LeaseDuration:     30 * time.Second,
		MaxAttemptCount:   8,
		DedupTTL:          7 * 24 * time.Hour,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        5 * time.Minute,
		PublishTimeout:    10 * time.Second,
		StoreTimeout:      5 * time.Second,
		RelayBatchSize:    100,
		RelayPollInterval: time.Second,
		RelayConcurrency:  8,
		OutboxRetention:   72 * time.Hour,
		Topic:             "domain.events.v1",
	}
}

// PipelineFromEnv overlays environment variables on DefaultPipeline and validates the result.
func PipelineFromEnv() (Pipeline, error) {
	p := DefaultPipeline()
	var errs []error

	intVar := func(dst *int, key string) {
		v, err := Int(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	durVar := func(dst *time.Duration, key string) {
		v, err := Duration(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	intVar(&p.PartitionCount, "PARTITION_COUNT")
	durVar(&p.LeaseDuration, "LEASE_DURATION")
	intVar(&p.MaxAttemptCount, "MAX_ATTEMPT_COUNT")
	durVar(&p.DedupTTL, "DEDUP_TTL")
	durVar(&p.BackoffBase, "BACKOFF_BASE")
	durVar(&p.BackoffCap, "BACKOFF_CAP")
	durVar(&p.PublishTimeout, "PUBLISH_TIMEOUT")
	durVar(&p.StoreTimeout, "STORE_TIMEOUT")
	intVar(&p.RelayBatchSize, "RELAY_BATCH_SIZE")
	durVar(&p.RelayPollInterval, "RELAY_POLL_INTERVAL")
	intVar(&p.RelayConcurrency, "RELAY_CONCURRENCY")
	durVar(&p.OutboxRetention, "OUTBOX_RETENTION")
	p.Topic = String("EVENTS_TOPIC", p.Topic)

	if len(errs) > 0 {
		return Pipeline{}, errors.Join(errs...)
	}
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

func (p Pipeline) Validate() error {
	var errs []error
	positiveInt := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %d)", name, v))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %s)", name, v))
		}
	}

	positiveInt("PARTITION_COUNT", p.PartitionCount)
	positiveDur("LEASE_DURATION", p.LeaseDuration)
	positiveInt("MAX_ATTEMPT_COUNT", p.MaxAttemptCount)
	positiveDur("DEDUP_TTL", p.DedupTTL)
	positiveDur("BACKOFF_BASE", p.BackoffBase)
	positiveDur("BACKOFF_CAP", p.BackoffCap)
	positiveDur("PUBLISH_TIMEOUT", p.PublishTimeout)
	positiveDur("STORE_TIMEOUT", p.StoreTimeout)
	positiveInt("RELAY_BATCH_SIZE", p.RelayBatchSize)
	positiveDur("RELAY_POLL_INTERVAL", p.RelayPollInterval)
	positiveInt("RELAY_CONCURRENCY", p.RelayConcurrency)
	positiveDur("OUTBOX_RETENTION", p.OutboxRetention)
	if p.BackoffCap < p.BackoffBase {
		errs = append(errs, fmt.Errorf("BACKOFF_CAP (%s) must be >= BACKOFF_BASE (%s)", p.BackoffCap, p.BackoffBase))
	}
	if strings.TrimSpace(p.Topic) == "" {
		errs = append(errs, errors.New("EVENTS_TOPIC is required"))
	}
	return errors.Join(errs...)
}
