package refine

import (
	_ "embed"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/template"
)

//go:embed prompts/refine.tmpl
var defaultTemplate string

// PromptData is what a prompt template can reference.
type PromptData struct {
	// Context is free text shared by every page of the manuscript.
	Context string
	// ExampleOutput is the expected answer for the worked example.
	ExampleOutput string
	// ExampleImage and PageImage are data URLs. The images are always sent
	// as separate message parts; templates rarely need these.
	ExampleImage string
	PageImage    string
	// RawText is the HTR transcription of the page.
	RawText string
}

// Prompt renders the user prompt.
type Prompt struct {
	tmpl *template.Template
}

// DefaultPrompt returns the built-in prompt.
func DefaultPrompt() *Prompt {
	return &Prompt{tmpl: template.Must(template.New("refine").Option("missingkey=error").Parse(defaultTemplate))}
}

// ParsePrompt parses a prompt template in text/template syntax.
func ParsePrompt(text string) (*Prompt, error) {
	tmpl, err := template.New("refine").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// LoadPrompt reads a template from path, or returns the default prompt when
// path is empty.
func LoadPrompt(path string) (*Prompt, error) {
	if path == "" {
		return DefaultPrompt(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: template path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}
	return ParsePrompt(string(data))
}

// Render executes the template.
func (p *Prompt) Render(data PromptData) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// dataURL encodes an image for an image_url message part.
func dataURL(img []byte) string {
	mime := http.DetectContentType(img)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img)
}
