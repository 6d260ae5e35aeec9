package creds

import "errors"

var (
	// ErrNoCertificate is returned when PEM data contains no parseable
	// certificate.
	ErrNoCertificate = errors.New("no certificate found in PEM data")
)
