package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// TranskribusSession is the session cookie value handed out by
// FakeTranskribus.
const TranskribusSession = "sess-folio"

// FakeTranskribus serves the Transkribus REST calls the HTR client makes.
// Every upload starts one job; the job replays the states returned by
// States for its upload number (1-based), repeating the last one.
type FakeTranskribus struct {
	Server *httptest.Server

	// States defaults to a job that finishes on the first poll.
	States func(upload int) []string
	// Text defaults to "Folio <upload> recto".
	Text func(upload int) string

	mu      sync.Mutex
	uploads []string
	polls   map[string]int
}

// NewFakeTranskribus starts a fake service accepting any non-empty user.
// It is closed when the test ends.
func NewFakeTranskribus(t *testing.T) *FakeTranskribus {
	t.Helper()
	f := StartFakeTranskribus()
	t.Cleanup(f.Close)
	return f
}

// StartFakeTranskribus starts a fake service the caller must Close.
func StartFakeTranskribus() *FakeTranskribus {
	f := &FakeTranskribus{polls: make(map[string]int)}
	f.Server = httptest.NewServer(f.handler())
	return f
}

// Close shuts the server down.
func (f *FakeTranskribus) Close() { f.Server.Close() }

// URL is the base URL to configure as transkribus.base_url.
func (f *FakeTranskribus) URL() string { return f.Server.URL }

// Uploads returns the uploaded file names in arrival order.
func (f *FakeTranskribus) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

// Polls returns the number of status requests made for the job of upload n.
func (f *FakeTranskribus) Polls(upload int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[fmt.Sprint(upload)]
}

func (f *FakeTranskribus) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("user") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: TranskribusSession})
	})

	mux.HandleFunc("POST /uploads", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		_, header, err := r.FormFile("img")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, header.Filename)
		id := len(f.uploads)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"uploadId": id})
	})

	mux.HandleFunc("POST /recognition/{coll}/{model}/htrCITlab", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": r.FormValue("id")})
	})

	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		id := r.PathValue("id")
		var upload int
		_, _ = fmt.Sscan(id, &upload)

		f.mu.Lock()
		f.polls[id]++
		n := f.polls[id]
		f.mu.Unlock()

		states := []string{"FINISHED"}
		if f.States != nil {
			states = f.States(upload)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": id, "state": states[min(n, len(states))-1]})
	})

	mux.HandleFunc("GET /collections/{coll}/{doc}/{page}/text", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		var upload int
		_, _ = fmt.Sscan(r.PathValue("doc"), &upload)
		text := fmt.Sprintf("Folio %d recto", upload)
		if f.Text != nil {
			text = f.Text(upload)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	})

	return mux
}

func authorized(w http.ResponseWriter, r *http.Request) bool {
	ck, err := r.Cookie("JSESSIONID")
	if err != nil || ck.Value != TranskribusSession {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

// Repeat returns state n times.
func Repeat(state string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = state
	}
	return out
}

// FakeOpenAI serves the chat completions endpoint under /v1.
type FakeOpenAI struct {
	Server *httptest.Server

	// Answer returns the assistant message content for a request body.
	// The default echoes a valid folio answer.
	Answer func(body string) string

	mu     sync.Mutex
	bodies []string
}

// NewFakeOpenAI starts a fake chat completions service that is closed when
// the test ends.
func NewFakeOpenAI(t *testing.T) *FakeOpenAI {
	t.Helper()
	f := StartFakeOpenAI()
	t.Cleanup(f.Close)
	return f
}

// StartFakeOpenAI starts a fake service the caller must Close.
func StartFakeOpenAI() *FakeOpenAI {
	f := &FakeOpenAI{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// Close shuts the server down.
func (f *FakeOpenAI) Close() { f.Server.Close() }

// URL is the base URL to configure as openai.base_url.
func (f *FakeOpenAI) URL() string { return f.Server.URL + "/v1" }

// Requests returns the number of completion requests served.
func (f *FakeOpenAI) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

// Received reports whether any request body contained text.
func (f *FakeOpenAI) Received(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bodies {
		if strings.Contains(b, text) {
			return true
		}
	}
	return false
}

// FolioAnswer builds a valid model answer.
func FolioAnswer(transcription, translation, illustration string) string {
	answer, _ := json.Marshal(map[string]any{
		"transcription": map[string]string{"text": transcription},
		"translation":   map[string]string{"text": translation},
		"illustration":  map[string]string{"description": illustration},
	})
	return string(answer)
}

func (f *FakeOpenAI) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.bodies = append(f.bodies, string(raw))
	f.mu.Unlock()

	content := FolioAnswer("Beatus vir", "Blessed is the man", "")
	if f.Answer != nil {
		content = f.Answer(string(raw))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "chatcmpl-folio",
		"object": "chat.completion",
		"model":  "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
}

// AnswerUnless returns an Answer func that breaks the schema for requests
// containing marker and answers validly otherwise.
func AnswerUnless(marker string) func(string) string {
	return func(body string) string {
		if strings.Contains(body, marker) {
			return `{"transcription": "not an object"}`
		}
		return FolioAnswer("Beatus vir", "Blessed is the man", "")
	}
}
