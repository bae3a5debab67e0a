// Package errors provides standardized error handling patterns for relay components.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary backend failure, retryable), Invalid (bad input or
// unknown reference, non-retryable), and Fatal (unrecoverable, stop processing).
//
// The classification drives the failure semantics of both subsystems: the
// broadcast read loop retries transient errors with backoff and never exits
// on them, while session callers surface invalid errors (unknown platform,
// session not found) directly without retry.
//
// # Error Taxonomy
//
//   - Transient: store/cache/log temporarily unreachable (ErrStoreUnavailable,
//     ErrCacheUnavailable, ErrStreamUnavailable, connection errors)
//   - Invalid: ErrSessionNotFound, ErrUnknownPlatform, ErrMalformedMessage,
//     ErrUnknownResource
//   - Fatal: ErrInvalidConfig, ErrMissingConfig
//
// ErrConsumerExists is a special benign case: it is expected during idempotent
// startup of the broadcast bridge and is suppressed by callers via
// IsConsumerExists.
//
// # Usage
//
// Wrap errors with component context:
//
//	if err := store.CreateSession(ctx, s); err != nil {
//	    return errors.WrapTransient(err, "Manager", "GetOrCreate", "persist session")
//	}
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    // back off and retry
//	}
//
// The system integrates with Go's standard error handling: errors.Is(),
// errors.As(), and wrapping chains all work through ClassifiedError.
package errors
