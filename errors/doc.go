// Package errors provides the error classification used across the referee data layer.
//
// # Overview
//
// Every error that crosses a package boundary is placed in one of three classes:
//
//   - Transient: the remote side is slow, flaky or temporarily refusing (retry or degrade to
//     the next cache tier)
//   - Invalid: the input or the returned data cannot be used (do not retry)
//   - Fatal: the process cannot continue with its current configuration
//
// Classification drives two decisions in this module: whether the tiered cache falls through
// to the next tier, and whether a realtime transport failure is reported to the circuit
// breaker.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// so log lines from the orchestrator, the subscription manager and the stores read the same:
//
//	if err := store.Set(ctx, key, env); err != nil {
//	    return errors.WrapTransient(err, "KVStore", "Set", "put envelope")
//	}
//
// Sentinel values (ErrCircuitOpen, ErrDataUnavailable, ...) are matched with errors.Is through
// any number of wraps.
package errors
