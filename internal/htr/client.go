package htr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/remote"
)

const (
	// DefaultBaseURL is the public Transkribus REST endpoint.
	DefaultBaseURL = "https://transkribus.eu/TrpServer/rest"
	// DefaultModel is the HTR model used when none is configured.
	DefaultModel = "Mittelalterliche_Schriften_M2.4"

	sessionCookie = "JSESSIONID"
	serviceName   = "transkribus"
	maxErrorBody  = 512
)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Options configure a Client. Zero values select the defaults.
type Options struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Limiter    *remote.RateLimiter
	Logger     *slog.Logger
	// Wait replaces the sleep between polls.
	Wait WaitFunc
}

// Client is a Transkribus REST client.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	limiter *remote.RateLimiter
	logger  *slog.Logger
	wait    WaitFunc
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		logger:  opts.Logger,
		wait:    opts.Wait,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.http == nil {
		c.http = remote.NewHTTPClient(time.Minute)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.wait == nil {
		c.wait = sleep
	}
	return c
}

// Model returns the HTR model jobs are started with.
func (c *Client) Model() string { return c.model }

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// retryable reports whether a poll failure should only cost an attempt.
func retryable(err error) bool {
	if errors.Is(err, folio.ErrTransport) || errors.Is(err, folio.ErrRateLimited) {
		return true
	}
	var se *statusError
	return errors.As(err, &se) && se.code >= http.StatusInternalServerError
}

// do sends req and returns the body of a successful response. Failures are
// wrapped with kind so callers can tell the stages apart.
func (c *Client) do(req *http.Request, session *Session, kind error) ([]byte, *http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", kind, err)
	}

	req.Header.Set("Accept", "application/json")
	if session != nil {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: session.ID})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("%w: %w", kind, ctxErr)
		}
		return nil, nil, fmt.Errorf("%w: %w: %w", kind, folio.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w: reading response: %w", kind, folio.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := remote.ParseRetryAfter(resp.Header)
		c.limiter.Backoff(retryAfter)
		return nil, resp, fmt.Errorf("%w: %w", kind, &folio.RateLimitedError{Service: serviceName, RetryAfter: retryAfter})
	case resp.StatusCode >= http.StatusBadRequest:
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, resp, fmt.Errorf("%w: %w", kind, &statusError{code: resp.StatusCode, body: msg})
	}

	return body, resp, nil
}

// Authenticate logs in and returns the session cookie.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	form := url.Values{"user": {creds.Username}, "pw": {creds.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", folio.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, resp, err := c.do(req, nil, folio.ErrAuth)
	if err != nil {
		return Session{}, err
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			c.logger.Info("logged in", "service", serviceName, "user", creds.Username)
			return Session{ID: ck.Value}, nil
		}
	}
	return Session{}, fmt.Errorf("%w: login response carried no %s cookie", folio.ErrAuth, sessionCookie)
}

// SubmitPage uploads the image as a new single-page document and starts a
// recognition job for it.
func (c *Client) SubmitPage(ctx context.Context, session Session, collectionID, imagePath string) (JobHandle, error) {
	docID, err := c.upload(ctx, session, collectionID, imagePath)
	if err != nil {
		return JobHandle{}, err
	}

	job := JobHandle{DocumentID: docID, CollectionID: collectionID, PageNumber: 1}

	endpoint := fmt.Sprintf("%s/recognition/%s/%s/htrCITlab",
		c.baseURL, url.PathEscape(collectionID), url.PathEscape(c.model))
	form := url.Values{"id": {docID}, "pages": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return JobHandle{}, fmt.Errorf("%w: %w", folio.ErrSubmission, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, _, err := c.do(req, &session, folio.ErrSubmission)
	if err != nil {
		return JobHandle{}, err
	}

	job.JobID, err = decodeID(body, "jobId")
	if err != nil {
		return JobHandle{}, fmt.Errorf("%w: starting recognition: %w", folio.ErrSubmission, err)
	}

	c.logger.Info("recognition started", "image", filepath.Base(imagePath), "job_id", job.JobID,
		"document_id", docID, "model", c.model)
	return job, nil
}

func (c *Client) upload(ctx context.Context, session Session, collectionID, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath) //nolint:gosec // G304: page images come from the configured input directory
	if err != nil {
		return "", fmt.Errorf("%w: reading image: %w", folio.ErrSubmission, err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("img", filepath.Base(imagePath))
	if err != nil {
		return "", fmt.Errorf("%w: %w", folio.ErrSubmission, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: %w", folio.ErrSubmission, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", folio.ErrSubmission, err)
	}

	endpoint := c.baseURL + "/uploads?" + url.Values{"collId": {collectionID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %w", folio.ErrSubmission, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, _, err := c.do(req, &session, folio.ErrSubmission)
	if err != nil {
		return "", err
	}

	// The upload id doubles as the document id.
	id, err := decodeID(body, "uploadId")
	if err != nil {
		return "", fmt.Errorf("%w: uploading image: %w", folio.ErrSubmission, err)
	}
	c.logger.Debug("image uploaded", "image", filepath.Base(imagePath), "upload_id", id)
	return id, nil
}

// JobStatus returns the current state of a job.
func (c *Client) JobStatus(ctx context.Context, session Session, job JobHandle) (JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(job.JobID), nil)
	if err != nil {
		return StateRunning, fmt.Errorf("%w: %w", folio.ErrRetrieval, err)
	}

	body, _, err := c.do(req, &session, folio.ErrRetrieval)
	if err != nil {
		return StateRunning, err
	}

	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return StateRunning, fmt.Errorf("%w: decoding job status: %w", folio.ErrRetrieval, err)
	}

	state, known := parseState(payload.State)
	if !known {
		c.logger.Debug("unknown job state", "job_id", job.JobID, "state", payload.State)
	}
	return state, nil
}

// AwaitCompletion polls the job until it reaches a terminal state or
// maxAttempts polls have been made. The first poll happens immediately and
// the following ones interval apart, so a job that finishes on the last poll
// still counts as finished. Transport failures, 5xx responses and rate
// limiting consume an attempt; any other error ends the wait.
//
// On StateFinished the recognized text is fetched and returned in the
// outcome. A returned error means no usable outcome was reached.
func (c *Client) AwaitCompletion(ctx context.Context, session Session, job JobHandle,
	interval time.Duration, maxAttempts int,
) (JobOutcome, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	logger := c.logger.With("job_id", job.JobID, "document_id", job.DocumentID)

	state := StateSubmitted
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.wait(ctx, interval); err != nil {
				return JobOutcome{State: state, Polls: attempt - 1}, err
			}
		}

		next, err := c.JobStatus(ctx, session, job)
		if err != nil {
			if ctx.Err() != nil {
				return JobOutcome{State: state, Polls: attempt}, ctx.Err()
			}
			if !retryable(err) {
				return JobOutcome{State: state, Polls: attempt}, err
			}
			logger.Warn("job status poll failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
			continue
		}

		if next != state {
			logger.Debug("job state changed", "from", state.String(), "to", next.String(), "attempt", attempt)
		}
		state = next

		if !state.Terminal() {
			continue
		}

		outcome := JobOutcome{State: state, Polls: attempt}
		if state == StateFinished {
			text, err := c.FetchText(ctx, session, job)
			if err != nil {
				return outcome, err
			}
			outcome.Text = text
		}
		return outcome, nil
	}

	logger.Warn("job timed out", "polls", maxAttempts, "interval", interval.String(), "last_state", state.String())
	return JobOutcome{State: StateTimedOut, Polls: maxAttempts}, nil
}

// FetchText returns the recognized text of a finished job's page.
func (c *Client) FetchText(ctx context.Context, session Session, job JobHandle) (string, error) {
	page := job.PageNumber
	if page <= 0 {
		page = 1
	}
	endpoint := fmt.Sprintf("%s/collections/%s/%s/%d/text",
		c.baseURL, url.PathEscape(job.CollectionID), url.PathEscape(job.DocumentID), page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", folio.ErrRetrieval, err)
	}

	body, _, err := c.do(req, &session, folio.ErrRetrieval)
	if err != nil {
		return "", err
	}

	var payload struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: decoding text: %w", folio.ErrRetrieval, err)
	}
	if payload.Text == nil {
		return "", fmt.Errorf("%w: response for job %s has no text", folio.ErrRetrieval, job.JobID)
	}
	return *payload.Text, nil
}

// decodeID reads field from a JSON object. Bodies that are not JSON objects
// are taken as the bare identifier.
func decodeID(body []byte, field string) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty response, expected %s", field)
	}
	if trimmed[0] != '{' {
		return string(bytes.Trim(trimmed, `"`)), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", fmt.Errorf("decoding %s: %w", field, err)
	}
	var id opaqueID
	if v, ok := obj[field]; ok {
		if err := json.Unmarshal(v, &id); err != nil {
			return "", fmt.Errorf("decoding %s: %w", field, err)
		}
	}
	if id == "" {
		return "", fmt.Errorf("response has no %s", field)
	}
	return string(id), nil
}
