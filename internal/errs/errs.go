package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPlanRejected      = errors.New("plan rejected")
	ErrCodecFailure      = errors.New("codec failure")
	ErrTimeout           = errors.New("conversion timed out")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotFound          = errors.New("not found")
	ErrStorageFailure    = errors.New("storage failure")
	ErrInterrupted       = errors.New("interrupted by restart")
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrTooLarge is the byte-budget flavour of ErrResourceExhausted.
	ErrTooLarge = fmt.Errorf("%w: payload too large", ErrResourceExhausted)
)

// Kind is the stable, serialisable name of an error class.
type Kind string

const (
	KindPlanRejected      Kind = "plan_rejected"
	KindCodecFailure      Kind = "codec_failure"
	KindTimeout           Kind = "timeout"
	KindResourceExhausted Kind = "resource_exhausted"
	KindNotFound          Kind = "not_found"
	KindStorageFailure    Kind = "storage_failure"
	KindInterrupted       Kind = "interrupted"
	KindInternal          Kind = "internal"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrPlanRejected, KindPlanRejected},
	{ErrTimeout, KindTimeout},
	{context.DeadlineExceeded, KindTimeout},
	{ErrResourceExhausted, KindResourceExhausted},
	{ErrNotFound, KindNotFound},
	{ErrStorageFailure, KindStorageFailure},
	{ErrInterrupted, KindInterrupted},
	{ErrCodecFailure, KindCodecFailure},
}

// KindOf classifies err by the first sentinel it wraps. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// Sentinel maps a kind back to its sentinel error.
func Sentinel(kind Kind) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.sentinel
		}
	}
	return nil
}
