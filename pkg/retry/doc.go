// Package retry re-runs operations that fail with a retryable rpcerr kind,
// with exponential backoff and optional jitter, and provides a circuit
// breaker built on sony/gobreaker.
//
// The delay before retry k (0-indexed) is min(InitialDelay*Multiplier^k,
// MaxDelay), scaled by a uniform factor in [0.5, 1.0] when Jitter is set. At
// most MaxRetries+1 attempts are made and the last error is returned as is.
// Waits honor the context and hold no locks.
package retry
