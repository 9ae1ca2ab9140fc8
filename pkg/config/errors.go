package config

import "errors"

// Sentinel errors, matching the teacher's pkg/config/errors.go shape.
var (
	ErrValidationFailed = errors.New("configuration validation failed")
	ErrMissingAPIKey     = errors.New("no verifier API key configured")
)
