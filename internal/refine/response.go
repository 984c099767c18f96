package refine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MeKo-Tech/folio/internal/folio"
)

// folioResponse mirrors the JSON the model is asked to produce. Pointers
// tell a missing section apart from an empty one.
type folioResponse struct {
	Transcription *struct {
		Text *string `json:"text"`
	} `json:"transcription"`
	Translation *struct {
		Text *string `json:"text"`
	} `json:"translation"`
	Illustration *struct {
		Description *string `json:"description"`
	} `json:"illustration"`
}

// ParseResponse decodes a model answer into a RefinedFolio. Any deviation
// from the expected shape yields an error wrapping folio.ErrSchema and no
// folio at all.
func ParseResponse(content string) (folio.RefinedFolio, error) {
	body := stripCodeFence(content)
	if body == "" {
		return folio.RefinedFolio{}, fmt.Errorf("%w: empty response", folio.ErrSchema)
	}

	var resp folioResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return folio.RefinedFolio{}, fmt.Errorf("%w: %w", folio.ErrSchema, err)
	}

	var missing []string
	if resp.Transcription == nil || resp.Transcription.Text == nil {
		missing = append(missing, "transcription.text")
	}
	if resp.Translation == nil || resp.Translation.Text == nil {
		missing = append(missing, "translation.text")
	}
	if resp.Illustration == nil || resp.Illustration.Description == nil {
		missing = append(missing, "illustration.description")
	}
	if len(missing) > 0 {
		return folio.RefinedFolio{}, fmt.Errorf("%w: missing %s", folio.ErrSchema, strings.Join(missing, ", "))
	}

	return folio.RefinedFolio{
		Transcription:           *resp.Transcription.Text,
		Translation:             *resp.Translation.Text,
		IllustrationDescription: *resp.Illustration.Description,
	}, nil
}

var errNoChoices = errors.New("response has no choices")

// stripCodeFence removes a surrounding ```json fence some models add even in
// JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
