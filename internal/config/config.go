package config

import (
	"fmt"
	"sync"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// Configuration holds the process-wide verification settings. Every pipeline
// invocation works against a snapshot of this struct, never a live reference.
type Configuration struct {
	// Tolerance is the maximum embedding distance still considered a match.
	// Lower is stricter. Must be in (0,1].
	Tolerance float64 `env:"FACE_TOLERANCE" envDefault:"0.6" json:"tolerance"`
	// ConfidenceThreshold gates positive matches on the normalized inverse
	// of distance. Must be in [0,1].
	ConfidenceThreshold float64 `env:"CONFIDENCE_THRESHOLD" envDefault:"0.6" json:"confidence_threshold"`
	// MaxContentLength caps the decoded size of a single image in bytes.
	MaxContentLength int64 `env:"MAX_CONTENT_LENGTH" envDefault:"10485760" json:"max_content_length"`
}

// Update carries a partial configuration change. Nil fields are left as-is.
type Update struct {
	Tolerance           *float64 `json:"tolerance"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	MaxContentLength    *int64   `json:"max_content_length"`
}

// ValidationError reports a rejected configuration field. The prior
// configuration is left untouched whenever one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FromEnv seeds the initial configuration from the environment, loading a
// .env file first when one is present.
func FromEnv() (Configuration, error) {
	_ = godotenv.Load()

	var cfg Configuration
	if err := env.Parse(&cfg); err != nil {
		return Configuration{}, err
	}
	if err := validate(cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func validate(cfg Configuration) error {
	if cfg.Tolerance <= 0 || cfg.Tolerance > 1 {
		return &ValidationError{Field: "tolerance", Reason: "must be greater than 0 and at most 1"}
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return &ValidationError{Field: "confidence_threshold", Reason: "must be between 0 and 1"}
	}
	if cfg.MaxContentLength <= 0 {
		return &ValidationError{Field: "max_content_length", Reason: "must be a positive byte count"}
	}
	return nil
}

// Store owns the mutable process-wide configuration. Reads return value
// copies, so concurrent verifications never observe a partially applied
// update.
type Store struct {
	mu      sync.RWMutex
	current Configuration
}

// NewStore creates a store holding the given initial configuration.
func NewStore(initial Configuration) *Store {
	return &Store{current: initial}
}

// Current returns a snapshot of the configuration.
func (s *Store) Current() Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply merges the partial update into the current configuration. All
// supplied fields are validated against the merged result before any of them
// take effect; a ValidationError leaves the store unchanged.
func (s *Store) Apply(update Update) (Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if update.Tolerance != nil {
		next.Tolerance = *update.Tolerance
	}
	if update.ConfidenceThreshold != nil {
		next.ConfidenceThreshold = *update.ConfidenceThreshold
	}
	if update.MaxContentLength != nil {
		next.MaxContentLength = *update.MaxContentLength
	}

	if err := validate(next); err != nil {
		return s.current, err
	}

	s.current = next
	return next, nil
}
