// Package attrs provides reusable OpenTelemetry attribute keys shared by the
// service middlewares.
package attrs

import (
	"errors"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

const (
	// AttrMethod names the service method.
	AttrMethod = "method"
	// AttrKeyLength is the length of the key in bytes.
	AttrKeyLength = "key.len"
	// AttrValueLength is the length of the written value in bytes.
	AttrValueLength = "value.len"
	// AttrVersion is the version written or read.
	AttrVersion = "version"
	// AttrFound tells whether a read found a live value.
	AttrFound = "found"
	// AttrErrorCategory is the failure category of an error (storage, consistency, ...).
	AttrErrorCategory = "error.category"
)

// Category returns the failure category name of err.
func Category(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, sentinel.ErrStorage):
		return "storage"
	case errors.Is(err, sentinel.ErrConsistency):
		return "consistency"
	case errors.Is(err, sentinel.ErrMembership):
		return "membership"
	case errors.Is(err, sentinel.ErrConfiguration):
		return "configuration"
	case errors.Is(err, sentinel.ErrCommunication):
		return "communication"
	}

	return "unknown"
}
