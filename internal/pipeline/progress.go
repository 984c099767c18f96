package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ProgressCallback receives page-level progress for the transcribe and
// refine stages. Implementations must be safe for concurrent use.
type ProgressCallback interface {
	// OnStart is called when a stage begins with the number of pages.
	OnStart(stage Stage, total int)

	// OnProgress is called after each page with the pages handled so far.
	OnProgress(stage Stage, current, total int)

	// OnComplete is called when the stage is finished.
	OnComplete(stage Stage)

	// OnError is called for every excluded page.
	OnError(stage Stage, page int, err error)
}

// NoOpProgressCallback implements ProgressCallback but does nothing.
type NoOpProgressCallback struct{}

func (NoOpProgressCallback) OnStart(Stage, int)         {}
func (NoOpProgressCallback) OnProgress(Stage, int, int) {}
func (NoOpProgressCallback) OnComplete(Stage)           {}
func (NoOpProgressCallback) OnError(Stage, int, error)  {}

// ConsoleProgressCallback draws a progress bar per stage.
type ConsoleProgressCallback struct {
	writer         io.Writer
	width          int
	updateInterval time.Duration
	mutex          sync.Mutex
	lastUpdate     time.Time
	startTime      time.Time
}

// NewConsoleProgressCallback creates a console progress reporter. A nil
// writer means stderr.
func NewConsoleProgressCallback(writer io.Writer) *ConsoleProgressCallback {
	if writer == nil {
		writer = os.Stderr
	}
	return &ConsoleProgressCallback{
		writer:         writer,
		width:          40,
		updateInterval: 100 * time.Millisecond,
	}
}

// WithWidth sets the progress bar width.
func (c *ConsoleProgressCallback) WithWidth(width int) *ConsoleProgressCallback {
	c.width = width
	return c
}

// WithUpdateInterval sets how frequently the progress bar redraws.
func (c *ConsoleProgressCallback) WithUpdateInterval(interval time.Duration) *ConsoleProgressCallback {
	c.updateInterval = interval
	return c
}

func (c *ConsoleProgressCallback) OnStart(stage Stage, total int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.startTime = time.Now()
	c.lastUpdate = time.Time{}
	_, _ = fmt.Fprintf(c.writer, "%s: 0/%d pages\n", stage, total)
}

func (c *ConsoleProgressCallback) OnProgress(stage Stage, current, total int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	if now.Sub(c.lastUpdate) < c.updateInterval && current < total {
		return
	}
	c.lastUpdate = now

	if total <= 0 {
		return
	}
	filled := c.width * current / total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", c.width-filled)
	_, _ = fmt.Fprintf(c.writer, "\r%s: [%s] %d/%d (%.1f%%)", stage, bar, current, total,
		float64(current)/float64(total)*100)
}

func (c *ConsoleProgressCallback) OnComplete(stage Stage) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elapsed := time.Since(c.startTime)
	_, _ = fmt.Fprintf(c.writer, "\n%s: completed in %v\n", stage, elapsed.Round(time.Millisecond))
}

func (c *ConsoleProgressCallback) OnError(stage Stage, page int, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, _ = fmt.Fprintf(c.writer, "\n%s: page %d excluded: %v\n", stage, page, err)
}

// LogProgressCallback logs progress through slog.
type LogProgressCallback struct {
	logger    *slog.Logger
	level     slog.Level
	interval  int // log every N pages
	mutex     sync.Mutex
	lastLog   int
	startTime time.Time
}

// NewLogProgressCallback creates a log-based progress reporter.
func NewLogProgressCallback(logger *slog.Logger, level slog.Level) *LogProgressCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProgressCallback{
		logger:   logger,
		level:    level,
		interval: 10,
	}
}

// WithInterval sets how frequently to log progress (every N pages).
func (l *LogProgressCallback) WithInterval(interval int) *LogProgressCallback {
	l.interval = interval
	return l
}

func (l *LogProgressCallback) OnStart(stage Stage, total int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.startTime = time.Now()
	l.lastLog = 0
	l.logger.Log(context.Background(), l.level, "stage started", "stage", stage.String(), "total", total)
}

func (l *LogProgressCallback) OnProgress(stage Stage, current, total int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if current-l.lastLog < l.interval && current != total {
		return
	}
	l.lastLog = current
	l.logger.Log(context.Background(), l.level, "stage progress",
		"stage", stage.String(),
		"current", current,
		"total", total,
		"elapsed", time.Since(l.startTime).Round(time.Millisecond).String(),
	)
}

func (l *LogProgressCallback) OnComplete(stage Stage) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.logger.Log(context.Background(), l.level, "stage completed",
		"stage", stage.String(), "elapsed", time.Since(l.startTime).Round(time.Millisecond).String())
}

func (l *LogProgressCallback) OnError(stage Stage, page int, err error) {
	l.logger.Log(context.Background(), slog.LevelWarn, "page excluded", "stage", stage.String(), "page", page, "error", err)
}

// MultiProgressCallback fans out to several callbacks.
type MultiProgressCallback struct {
	callbacks []ProgressCallback
}

// NewMultiProgressCallback creates a progress callback that reports to all
// of callbacks.
func NewMultiProgressCallback(callbacks ...ProgressCallback) *MultiProgressCallback {
	return &MultiProgressCallback{callbacks: callbacks}
}

func (m *MultiProgressCallback) OnStart(stage Stage, total int) {
	for _, cb := range m.callbacks {
		cb.OnStart(stage, total)
	}
}

func (m *MultiProgressCallback) OnProgress(stage Stage, current, total int) {
	for _, cb := range m.callbacks {
		cb.OnProgress(stage, current, total)
	}
}

func (m *MultiProgressCallback) OnComplete(stage Stage) {
	for _, cb := range m.callbacks {
		cb.OnComplete(stage)
	}
}

func (m *MultiProgressCallback) OnError(stage Stage, page int, err error) {
	for _, cb := range m.callbacks {
		cb.OnError(stage, page, err)
	}
}

// progressCounter turns per-page completions into OnProgress calls.
type progressCounter struct {
	cb    ProgressCallback
	stage Stage
	total int
	mu    sync.Mutex
	done  int
}

func newProgressCounter(cb ProgressCallback, stage Stage, total int) *progressCounter {
	cb.OnStart(stage, total)
	return &progressCounter{cb: cb, stage: stage, total: total}
}

func (p *progressCounter) step(page int, err error) {
	if err != nil {
		p.cb.OnError(p.stage, page, err)
	}
	p.mu.Lock()
	p.done++
	done := p.done
	p.mu.Unlock()
	p.cb.OnProgress(p.stage, done, p.total)
}

func (p *progressCounter) finish() { p.cb.OnComplete(p.stage) }
