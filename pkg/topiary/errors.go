package topiary

import "errors"

var (
	// ErrQuotaExceeded is returned when a reservation would push usage past
	// the period limit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNodeNotFound is returned when the requested node does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrUnauthorized is returned when the caller does not own the node.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidReference is returned when a node or one of its ancestors is
	// missing.
	ErrInvalidReference = errors.New("invalid node reference")

	// ErrGenerationFailed is returned on a provider error or stream timeout.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrPersistenceFailed is returned when the stream succeeded but saving
	// the result did not. Accounting has already been reconciled.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrLedgerUnavailable is returned when the accounting backend is down.
	// Reservations fail closed: an unavailable ledger denies generation.
	ErrLedgerUnavailable = errors.New("usage ledger unavailable")

	// ErrInvalidAmount is returned for negative token amounts.
	ErrInvalidAmount = errors.New("invalid token amount")
)
