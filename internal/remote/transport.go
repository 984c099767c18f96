package remote

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MeKo-Tech/folio/internal/version"
)

// Header names set on every outgoing request.
const (
	HeaderRunID = "X-Folio-Run-ID"
	HeaderPage  = "X-Folio-Page"
	HeaderStage = "X-Folio-Stage"
)

// headerTransport injects request metadata from the context. Headers already
// set by the caller are left alone.
type headerTransport struct {
	base http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	// RoundTrippers must not mutate the caller's request.
	r := req.Clone(req.Context())
	meta := RequestMetaFromContext(r.Context())

	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", version.UserAgent())
	}
	if r.Header.Get(HeaderRunID) == "" && meta.RunID != "" {
		r.Header.Set(HeaderRunID, meta.RunID)
	}
	if r.Header.Get(HeaderPage) == "" && meta.Page != 0 {
		r.Header.Set(HeaderPage, strconv.Itoa(meta.Page))
	}
	if r.Header.Get(HeaderStage) == "" && meta.Stage != "" {
		r.Header.Set(HeaderStage, meta.Stage)
	}

	return base.RoundTrip(r)
}

// NewHTTPClient returns an http.Client with the metadata transport installed.
// A zero timeout leaves the client without a deadline; callers are then
// expected to bound requests through the context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &headerTransport{base: http.DefaultTransport},
	}
}
