package pipeline

import (
	"fmt"
	"time"
)

// Stage is a step of a pipeline run.
type Stage int

const (
	StageRasterize Stage = iota
	StageTranscribe
	StageRefine
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageRasterize:
		return "rasterize"
	case StageTranscribe:
		return "transcribe"
	case StageRefine:
		return "refine"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the stage name in reports.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name written by MarshalText.
func (s *Stage) UnmarshalText(text []byte) error {
	for st := StageRasterize; st <= StageFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// Exclusion records a page that dropped out of a run.
type Exclusion struct {
	Page   int    `json:"page" yaml:"page"`
	Stage  string `json:"stage" yaml:"stage"`
	Reason string `json:"reason" yaml:"reason"`
}

// StageDurations holds wall-clock time spent per stage.
type StageDurations struct {
	Rasterize  time.Duration `json:"rasterize" yaml:"rasterize"`
	Transcribe time.Duration `json:"transcribe" yaml:"transcribe"`
	Refine     time.Duration `json:"refine" yaml:"refine"`
}

// Report summarizes a run. Complete is false whenever a page was excluded or
// the run failed.
type Report struct {
	RunID       string         `json:"run_id" yaml:"run_id"`
	Document    string         `json:"document,omitempty" yaml:"document,omitempty"`
	Stage       Stage          `json:"stage" yaml:"stage"`
	Pages       int            `json:"pages" yaml:"pages"`
	Transcribed int            `json:"transcribed" yaml:"transcribed"`
	Refined     int            `json:"refined" yaml:"refined"`
	Excluded    []Exclusion    `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Durations   StageDurations `json:"durations" yaml:"durations"`
	Complete    bool           `json:"complete" yaml:"complete"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}
