package folio

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Stage code wraps the underlying cause with one of these so
// callers can classify failures with errors.Is.
var (
	ErrAuth          = errors.New("htr authentication failed")
	ErrSubmission    = errors.New("htr submission failed")
	ErrRetrieval     = errors.New("htr text retrieval failed")
	ErrSchema        = errors.New("refinement response does not match schema")
	ErrRasterization = errors.New("rasterization failed")
	ErrTransport     = errors.New("transport error")
	ErrRateLimited   = errors.New("rate limited")
)

// RateLimitedError is returned when a remote service answers 429.
type RateLimitedError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %v)", e.Service, e.RetryAfter)
	}
	return e.Service + ": rate limited"
}

// Is reports kind equality with ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// PageError records why a page dropped out of the pipeline.
type PageError struct {
	Page  PageImage
	Stage string
	Err   error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Page.ID(), e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }
