package models

import "errors"

// Sentinel errors shared by the models package and its validators.
var (
	ErrInvalidStage    = errors.New("invalid processing stage")
	ErrInvalidSeverity = errors.New("invalid severity")
	ErrInvalidDomain   = errors.New("invalid domain tag")
	ErrInvalidRange    = errors.New("invalid chunk range")
)
