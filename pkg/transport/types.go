// Package transport exposes a consistency.Manager over HTTP and provides the
// matching client used by the coordinator to reach remote replicas.
package transport

import (
	"errors"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

// Routes served by Server.
const (
	PathGet     = "/internal/kv/get"
	PathPut     = "/internal/kv/put"
	PathResolve = "/internal/kv/resolve"
	PathRepair  = "/internal/kv/repair"
	PathHealth  = "/health"
)

// Shared HTTP request/response DTOs for server & client.
type getResponse struct {
	Found bool                       `json:"found"`
	Value consistency.VersionedValue `json:"value"`
}

type putRequest struct {
	Key   string            `json:"key"`
	Write consistency.Write `json:"write"`
}

type resolveRequest struct {
	Key        string                       `json:"key"`
	Candidates []consistency.VersionedValue `json:"candidates"`
}

type repairRequest struct {
	Key   string                     `json:"key"`
	Value consistency.VersionedValue `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// error codes carried across the wire so the client can restore sentinels.
const (
	codeInvalidKey      = "invalid_key"
	codeEmptyCandidates = "empty_candidates"
	codeClosed          = "closed"
	codeStorage         = "storage"
	codeBadRequest      = "bad_request"
	codeInternal        = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, sentinel.ErrInvalidKey):
		return codeInvalidKey
	case errors.Is(err, sentinel.ErrEmptyCandidates):
		return codeEmptyCandidates
	case errors.Is(err, sentinel.ErrManagerClosed):
		return codeClosed
	case errors.Is(err, sentinel.ErrStorage):
		return codeStorage
	default:
		return codeInternal
	}
}

func codeError(code string) error {
	switch code {
	case codeInvalidKey:
		return sentinel.ErrInvalidKey
	case codeEmptyCandidates:
		return sentinel.ErrEmptyCandidates
	case codeClosed:
		return sentinel.ErrManagerClosed
	case codeStorage:
		return sentinel.ErrStorage
	default:
		return sentinel.ErrCommunication
	}
}
