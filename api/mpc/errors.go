package mpc

import (
	"errors"
	"fmt"
)

// Sentinel errors for the whole serving stack. Higher layers (cluster,
// serving) wrap these with %w so callers can match with errors.Is across
// package boundaries.
var (
	// ErrBind reports that a party could not bind its configured endpoint.
	ErrBind = errors.New("endpoint already in use")

	// ErrClusterStartTimeout reports that not every party became ready
	// within the cluster start deadline.
	ErrClusterStartTimeout = errors.New("cluster start timed out")

	// ErrClusterNotReady reports an operation that requires a fully started
	// cluster.
	ErrClusterNotReady = errors.New("cluster is not ready")

	// ErrProtocolTimeout reports a protocol round that did not complete
	// within the round timeout, typically because a party died mid-request.
	ErrProtocolTimeout = errors.New("protocol round timed out")

	// ErrBudgetExhausted reports a request rejected because the configured
	// request budget has been consumed.
	ErrBudgetExhausted = errors.New("request budget exhausted")

	// ErrUnknownRequest reports protocol traffic for a request the party was
	// never told to begin.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrAlreadyStopped reports a second Stop on an already stopped party.
	ErrAlreadyStopped = errors.New("already stopped")

	// ErrPartyFaulted reports work refused by a party that hit an integrity
	// violation and needs a restart.
	ErrPartyFaulted = errors.New("party faulted")

	// ErrInvalidState reports an operation that is not legal in the current
	// lifecycle state.
	ErrInvalidState = errors.New("invalid state for operation")
)

// Wire error codes. Envelope acks carry one of these instead of raw error
// strings so the coordinator side can map failures back onto the sentinels.
const (
	codeTimeout        = "timeout"
	codeUnknownRequest = "unknown-request"
	codeFaulted        = "faulted"
	codeInvalidState   = "invalid-state"
	codeStopped        = "stopped"
	codeInternal       = "internal"
)

// errorCode classifies a party-side failure for the wire.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrProtocolTimeout):
		return codeTimeout
	case errors.Is(err, ErrUnknownRequest):
		return codeUnknownRequest
	case errors.Is(err, ErrPartyFaulted):
		return codeFaulted
	case errors.Is(err, ErrAlreadyStopped):
		return codeStopped
	case errors.Is(err, ErrInvalidState):
		return codeInvalidState
	default:
		return codeInternal
	}
}

// codeError maps a wire failure back onto an error, preferring the matching
// sentinel so errors.Is works across the wire boundary.
func codeError(code, msg string) error {
	switch code {
	case codeTimeout:
		return ErrProtocolTimeout
	case codeUnknownRequest:
		return ErrUnknownRequest
	case codeFaulted:
		return ErrPartyFaulted
	case codeStopped:
		return ErrAlreadyStopped
	case codeInvalidState:
		return ErrInvalidState
	}
	if msg == "" {
		return fmt.Errorf("party failure: %s", code)
	}
	return errors.New(msg)
}
