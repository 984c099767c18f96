package refine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/remote"
)

var (
	jpegMagic = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
)

const validAnswer = `{"transcription": {"text": "In principio"}, "translation": {"text": "In the beginning"}, "illustration": {"description": "A red initial I"}}`

// stubCompleter returns canned answers and records requests.
type stubCompleter struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	answer   string
	err      error
}

func (s *stubCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant, Content: s.answer,
		}}},
	}, nil
}

func testExample() WorkedExample {
	return WorkedExample{Output: `{"transcription": {"text": "example"}}`, Image: pngMagic}
}

func testPage() folio.PageImage {
	return folio.PageImage{Index: 3, Path: "page_3.jpg", Content: jpegMagic}
}

func TestRefineBuildsVisionRequest(t *testing.T) {
	stub := &stubCompleter{answer: validAnswer}
	c := NewClient(stub, Options{Model: openai.GPT4oMini})

	got, err := c.Refine(context.Background(), testPage(), "in pricipio", "Book of hours, 15th c.", testExample())
	require.NoError(t, err)
	assert.Equal(t, folio.RefinedFolio{
		Transcription:           "In principio",
		Translation:             "In the beginning",
		IllustrationDescription: "A red initial I",
	}, got)

	require.Len(t, stub.requests, 1)
	req := stub.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, req.Messages[0].Content)

	user := req.Messages[1]
	require.Len(t, user.MultiContent, 3)
	text := user.MultiContent[0].Text
	assert.Contains(t, text, "Book of hours, 15th c.")
	assert.Contains(t, text, "in pricipio")
	assert.Contains(t, text, `{"transcription": {"text": "example"}}`)

	assert.True(t, strings.HasPrefix(user.MultiContent[1].ImageURL.URL, "data:image/png;base64,"), "worked example image first")
	assert.True(t, strings.HasPrefix(user.MultiContent[2].ImageURL.URL, "data:image/jpeg;base64,"), "page image second")
}

func TestRefineReadsImageFromDiskWhenNotLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page_1.jpg")
	require.NoError(t, os.WriteFile(path, jpegMagic, 0o600))

	stub := &stubCompleter{answer: validAnswer}
	c := NewClient(stub, Options{})

	_, err := c.Refine(context.Background(), folio.PageImage{Index: 1, Path: path}, "raw", "", testExample())
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, stub.requests[0].Model)

	_, err = c.Refine(context.Background(), folio.PageImage{Index: 2, Path: path + ".missing"}, "raw", "", testExample())
	require.Error(t, err)
	assert.Len(t, stub.requests, 1, "no request without an image")
}

func TestRefineDownscalesLargePages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, imaging.New(400, 200, color.White)))
	page := folio.PageImage{Index: 1, Path: "page_1.png", Content: buf.Bytes()}

	stub := &stubCompleter{answer: validAnswer}
	c := NewClient(stub, Options{MaxImageSide: 100})
	_, err := c.Refine(context.Background(), page, "raw", "", testExample())
	require.NoError(t, err)

	url := stub.requests[0].Messages[1].MultiContent[2].ImageURL.URL
	encoded, ok := strings.CutPrefix(url, "data:image/jpeg;base64,")
	require.True(t, ok, "downscaled pages are sent as JPEG")
	data, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)

	_, err = c.Refine(context.Background(), folio.PageImage{Index: 2, Content: []byte("not an image")}, "raw", "", testExample())
	require.Error(t, err)
	assert.Len(t, stub.requests, 1, "undecodable pages are not sent")
}

func TestRefineIsDeterministic(t *testing.T) {
	stub := &stubCompleter{answer: validAnswer}
	c := NewClient(stub, Options{})

	first, err := c.Refine(context.Background(), testPage(), "raw", "ctx", testExample())
	require.NoError(t, err)
	second, err := c.Refine(context.Background(), testPage(), "raw", "ctx", testExample())
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, a, b)
	assert.Equal(t, stub.requests[0], stub.requests[1])
}

func TestRefineSchemaViolations(t *testing.T) {
	answers := map[string]string{
		"not json":        "Sorry, I cannot help with that.",
		"missing section": `{"transcription": {"text": "a"}, "translation": {"text": "b"}}`,
		"missing leaf":    `{"transcription": {"text": "a"}, "translation": {}, "illustration": {"description": "c"}}`,
		"flat shape":      `{"transcription": "a", "translation": "b", "illustration": "c"}`,
		"empty":           "   ",
		"array":           `[1, 2]`,
	}
	for name, answer := range answers {
		t.Run(name, func(t *testing.T) {
			c := NewClient(&stubCompleter{answer: answer}, Options{})
			got, err := c.Refine(context.Background(), testPage(), "raw", "", testExample())
			require.ErrorIs(t, err, folio.ErrSchema)
			assert.Equal(t, folio.RefinedFolio{}, got, "no partially filled folio")
		})
	}
}

func TestRefineNoChoices(t *testing.T) {
	c := NewClient(completerFunc(func(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, nil
	}), Options{})

	_, err := c.Refine(context.Background(), testPage(), "raw", "", testExample())
	require.ErrorIs(t, err, folio.ErrSchema)
}

type completerFunc func(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)

func (f completerFunc) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return f(ctx, req)
}

func TestRefineAPIErrors(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		limiter := remote.NewRateLimiter(0, 1)
		c := NewClient(&stubCompleter{err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}},
			Options{Limiter: limiter})

		_, err := c.Refine(context.Background(), testPage(), "raw", "", testExample())
		require.ErrorIs(t, err, folio.ErrRateLimited)
		var rl *folio.RateLimitedError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, "openai", rl.Service)

		// The limiter now holds further requests back.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.Error(t, limiter.Wait(ctx))
	})

	t.Run("server error", func(t *testing.T) {
		c := NewClient(&stubCompleter{err: &openai.APIError{HTTPStatusCode: http.StatusInternalServerError, Message: "boom"}}, Options{})
		_, err := c.Refine(context.Background(), testPage(), "raw", "", testExample())
		require.ErrorIs(t, err, folio.ErrTransport)
		assert.NotErrorIs(t, err, folio.ErrSchema)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := NewClient(&stubCompleter{err: context.Canceled}, Options{})
		_, err := c.Refine(ctx, testPage(), "raw", "", testExample())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRefineAgainstOpenAIProtocol(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		headers = r.Header.Clone()
		_ = json.Unmarshal(raw, &body)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "```json\n" + validAnswer + "\n```"},
			}},
		})
	}))
	defer srv.Close()

	api := NewOpenAIClient("sk-test", srv.URL+"/v1", remote.NewHTTPClient(0))
	c := NewClient(api, Options{})

	ctx := remote.WithRequestMeta(context.Background(), remote.RequestMeta{RunID: "run-7"})
	got, err := c.Refine(ctx, testPage(), "raw", "", testExample())
	require.NoError(t, err)
	assert.Equal(t, "In the beginning", got.Translation)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer sk-test", headers.Get("Authorization"))
	assert.Equal(t, "run-7", headers.Get(remote.HeaderRunID))
	assert.Equal(t, "3", headers.Get(remote.HeaderPage))
	assert.Equal(t, "refine", headers.Get(remote.HeaderStage))
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
}

func TestRefineRateLimitedOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "Rate limit reached", "type": "requests"}}`))
	}))
	defer srv.Close()

	c := NewClient(NewOpenAIClient("sk-test", srv.URL+"/v1", srv.Client()), Options{})
	_, err := c.Refine(context.Background(), testPage(), "raw", "", testExample())
	require.ErrorIs(t, err, folio.ErrRateLimited)
}

func TestLoadWorkedExample(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "example.json")
	img := filepath.Join(dir, "example.jpg")
	require.NoError(t, os.WriteFile(out, []byte("expected"), 0o600))
	require.NoError(t, os.WriteFile(img, jpegMagic, 0o600))

	ex, err := LoadWorkedExample(out, img)
	require.NoError(t, err)
	assert.Equal(t, "expected", ex.Output)
	assert.Equal(t, jpegMagic, ex.Image)

	_, err = LoadWorkedExample(out, filepath.Join(dir, "missing.jpg"))
	require.Error(t, err)
}
