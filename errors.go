package psilink

import "errors"

var (
	ErrNotConfigured = errors.New("psilink: transport not configured")
	ErrAlreadyOpen   = errors.New("psilink: stack already open")
	ErrNotOpen       = errors.New("psilink: stack not open")
)
