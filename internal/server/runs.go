package server

import (
	"slices"
	"sync"
	"time"

	"github.com/MeKo-Tech/folio/internal/folio"
	"github.com/MeKo-Tech/folio/internal/pipeline"
	"github.com/MeKo-Tech/folio/internal/remote"
)

// RunStatus is the lifecycle state of a submitted run.
type RunStatus string

const (
	StatusQueued  RunStatus = "queued"
	StatusRunning RunStatus = "running"
	StatusDone    RunStatus = "done"
	StatusFailed  RunStatus = "failed"
)

// Event types streamed to followers of a run.
const (
	EventQueued         = "run_queued"
	EventStageStarted   = "stage_started"
	EventProgress       = "progress"
	EventStageCompleted = "stage_completed"
	EventPageExcluded   = "page_excluded"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
)

// Event is one entry of a run's history.
type Event struct {
	Type    string           `json:"type"`
	RunID   string           `json:"run_id"`
	Stage   string           `json:"stage,omitempty"`
	Current int              `json:"current,omitempty"`
	Total   int              `json:"total,omitempty"`
	Page    int              `json:"page,omitempty"`
	Error   string           `json:"error,omitempty"`
	Report  *pipeline.Report `json:"report,omitempty"`
	Time    time.Time        `json:"time"`
}

// RunSummary is the JSON view of a run.
type RunSummary struct {
	RunID    string           `json:"run_id"`
	Document string           `json:"document"`
	Status   RunStatus        `json:"status"`
	Created  time.Time        `json:"created"`
	Report   *pipeline.Report `json:"report,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// runState tracks one run. It is the run's progress callback; every
// callback becomes an event that followers replay from the start.
type runState struct {
	mu       sync.Mutex
	id       string
	document string
	dir      string
	status   RunStatus
	created  time.Time
	report   pipeline.Report
	set      folio.ResultSet
	err      string
	events   []Event
	changed  chan struct{}
}

func newRunState(id, document, dir string) *runState {
	r := &runState{
		id:       id,
		document: document,
		dir:      dir,
		status:   StatusQueued,
		created:  time.Now().UTC(),
		changed:  make(chan struct{}),
	}
	r.publish(Event{Type: EventQueued})
	return r
}

// publish appends e and wakes every follower.
func (r *runState) publish(e Event) {
	e.RunID = r.id
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// eventsSince returns the events from index i on, a channel closed by the
// next publish and whether the run has ended. Once finished is true the
// returned events are the last ones.
func (r *runState) eventsSince(i int) (events []Event, changed <-chan struct{}, finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < len(r.events) {
		events = slices.Clone(r.events[i:])
	}
	return events, r.changed, r.status == StatusDone || r.status == StatusFailed
}

func (r *runState) summary() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RunSummary{RunID: r.id, Document: r.document, Status: r.status, Created: r.created, Error: r.err}
	if r.status == StatusDone || r.status == StatusFailed {
		report := r.report
		s.Report = &report
	}
	return s
}

// result returns the result set and report of a finished run.
func (r *runState) result() (folio.ResultSet, pipeline.Report, RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set, r.report, r.status
}

func (r *runState) setStatus(status RunStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func (r *runState) OnStart(stage pipeline.Stage, total int) {
	r.publish(Event{Type: EventStageStarted, Stage: stage.String(), Total: total})
}

func (r *runState) OnProgress(stage pipeline.Stage, current, total int) {
	r.publish(Event{Type: EventProgress, Stage: stage.String(), Current: current, Total: total})
}

func (r *runState) OnComplete(stage pipeline.Stage) {
	r.publish(Event{Type: EventStageCompleted, Stage: stage.String()})
}

func (r *runState) OnError(stage pipeline.Stage, page int, err error) {
	r.publish(Event{Type: EventPageExcluded, Stage: stage.String(), Page: page, Error: err.Error()})
}

// finish records the outcome. The final event is published before the
// status changes so a follower seeing finished has already received it.
func (r *runState) finish(set folio.ResultSet, report pipeline.Report, err error) {
	e := Event{Type: EventRunCompleted, Report: &report}
	status := StatusDone
	if err != nil {
		e.Type = EventRunFailed
		e.Error = err.Error()
		status = StatusFailed
	}
	r.publish(e)

	r.mu.Lock()
	r.set = set
	r.report = report
	r.status = status
	if err != nil {
		r.err = err.Error()
	}
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

func (s *Server) register(r *runState) {
	s.mu.Lock()
	s.runs[r.id] = r
	s.mu.Unlock()
}

func (s *Server) lookup(id string) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *Server) list() []RunSummary {
	s.mu.RLock()
	out := make([]RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.summary())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b RunSummary) int { return a.Created.Compare(b.Created) })
	return out
}

// start runs r in the background once a slot is free.
func (s *Server) start(r *runState, documentPath, outputDir string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := remote.WithRequestMeta(s.baseCtx, remote.RequestMeta{RunID: r.id})

		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			r.finish(folio.ResultSet{}, pipeline.Report{RunID: r.id, Stage: pipeline.StageFailed}, ctx.Err())
			return
		}
		defer func() { <-s.slots }()

		r.setStatus(StatusRunning)
		s.metrics.activeRuns.Inc()
		defer s.metrics.activeRuns.Dec()

		s.logger.Info("run started", "run_id", r.id, "document", r.document)
		set, report, err := s.run(ctx, documentPath, outputDir, r)
		if err != nil {
			s.logger.Error("run failed", "run_id", r.id, "error", err)
		} else {
			s.logger.Info("run finished", "run_id", r.id, "refined", report.Refined, "pages", report.Pages)
		}
		r.finish(set, report, err)
	}()
}
