// Package sentinel provides standardized error definitions for coretex.
// Errors are grouped into five failure categories; every specific error wraps its
// category so callers can classify with errors.Is:
//
//   - ErrStorage: backend I/O or serialization fault
//   - ErrConsistency: conflict-resolution misuse, unsatisfiable quorum
//   - ErrMembership: unknown or duplicate node
//   - ErrConfiguration: invalid replication or quorum parameters
//   - ErrCommunication: replica call error or timeout
//
// All errors are created using the ewrap package.
package sentinel

import (
	"fmt"

	"github.com/hyp3rd/ewrap"
)

// Failure categories.
var (
	// ErrStorage is the root of storage backend failures.
	ErrStorage = ewrap.New("storage failure")

	// ErrConsistency is the root of consistency and quorum failures.
	ErrConsistency = ewrap.New("consistency failure")

	// ErrMembership is the root of membership failures.
	ErrMembership = ewrap.New("membership failure")

	// ErrConfiguration is the root of configuration failures.
	ErrConfiguration = ewrap.New("configuration failure")

	// ErrCommunication is the root of replica communication failures.
	ErrCommunication = ewrap.New("communication failure")
)

var (
	// ErrInvalidKey is returned when a key is empty or whitespace only.
	ErrInvalidKey = ewrap.Wrap(ErrStorage, "invalid key")

	// ErrStorageClosed is returned by a backend after Close.
	ErrStorageClosed = ewrap.Wrap(ErrStorage, "storage closed")

	// ErrNilClient is returned when a nil client is passed to a backend.
	ErrNilClient = ewrap.Wrap(ErrStorage, "nil client")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = ewrap.Wrap(ErrStorage, "corrupt record")

	// ErrEmptyCandidates is returned when conflict resolution gets no candidates.
	ErrEmptyCandidates = ewrap.Wrap(ErrConsistency, "conflict resolution requires at least one candidate")

	// ErrQuorumFailed is returned when not enough replicas acknowledged an operation.
	ErrQuorumFailed = ewrap.Wrap(ErrConsistency, "quorum not met")

	// ErrManagerClosed is returned by a consistency manager after Close.
	ErrManagerClosed = ewrap.Wrap(ErrConsistency, "consistency manager closed")

	// ErrDuplicateNode is returned when a node id is already on the ring or registry.
	ErrDuplicateNode = ewrap.Wrap(ErrMembership, "duplicate node")

	// ErrUnknownNode is returned when a referenced node does not exist.
	ErrUnknownNode = ewrap.Wrap(ErrMembership, "unknown node")

	// ErrInvalidAddress is returned when the node address is invalid.
	ErrInvalidAddress = ewrap.Wrap(ErrMembership, "invalid node address")

	// ErrInvalidQuorum is returned when W + R does not exceed the replication factor.
	ErrInvalidQuorum = ewrap.Wrap(ErrConfiguration, "write quorum plus read quorum must exceed replication factor")

	// ErrInvalidReplication is returned for a replication factor below one.
	ErrInvalidReplication = ewrap.Wrap(ErrConfiguration, "replication factor must be at least 1")

	// ErrSerializerNotFound is returned when a serializer is not registered.
	ErrSerializerNotFound = ewrap.Wrap(ErrConfiguration, "serializer not found")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.Wrap(ErrConfiguration, "param cannot be empty")

	// ErrUnknownEngine is returned for an unsupported storage engine name.
	ErrUnknownEngine = ewrap.Wrap(ErrConfiguration, "unknown storage engine")

	// ErrReplicaNotFound is returned when no replica endpoint is known for a node.
	ErrReplicaNotFound = ewrap.Wrap(ErrCommunication, "replica not found")

	// ErrTimeoutOrCanceled is returned when a timeout or cancellation occurs.
	ErrTimeoutOrCanceled = ewrap.Wrap(ErrCommunication, "the operation timed out or was canceled")

	// ErrProtocol is returned when a wire frame is malformed.
	ErrProtocol = ewrap.Wrap(ErrCommunication, "protocol violation")

	// ErrBrokerClosed is returned by a message broker after Close.
	ErrBrokerClosed = ewrap.Wrap(ErrCommunication, "broker closed")

	// ErrUnknownTopic is returned when unsubscribing from a topic without subscriptions.
	ErrUnknownTopic = ewrap.Wrap(ErrCommunication, "unknown topic")

	// ErrMgmtHTTPShutdownTimeout is returned when an HTTP server fails to shut down before the context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("http shutdown timeout")
)

// Classify annotates err with msg and a failure category. Both the category and
// err stay matchable with errors.Is. A nil err yields nil.
func Classify(category, err error, msg string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %s: %w", category, msg, err)
}
