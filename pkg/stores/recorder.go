package stores

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// Recorder archives runs into a Store. It implements engine.Recorder and
// engine.EventSink: the first event of a run creates the run row, every event
// is appended as it arrives and the final report replaces the row and adds
// node results.
//
// Store failures never fail the run. Publish logs them; RecordReport returns
// them to the scheduler, which logs them.
type Recorder struct {
	store    Store
	workflow string

	mu      sync.Mutex
	started map[string]bool
}

// NewRecorder creates a recorder that files runs under workflow.
func NewRecorder(store Store, workflow string) *Recorder {
	return &Recorder{
		store:    store,
		workflow: workflow,
		started:  make(map[string]bool),
	}
}

// Publish implements engine.EventSink.
func (r *Recorder) Publish(ctx context.Context, event engine.Event) {
	log := zerolog.Ctx(ctx).With().Str("component", "recorder").Str("run_id", event.RunID).Logger()

	// run_completed trails the final report, which already wrote the row.
	if event.Type == engine.EventRunCompleted {
		r.forget(event.RunID)
	} else if !r.ensureRun(ctx, event) {
		return
	}
	if err := r.store.AppendEvent(ctx, EventRecordFrom(event)); err != nil {
		log.Warn().Err(err).Int64("seq", event.Seq).Msg("Failed to archive event")
	}
}

// RecordReport implements engine.Recorder.
func (r *Recorder) RecordReport(ctx context.Context, report *engine.Report) error {
	if err := r.store.SaveReport(ctx, r.workflow, report); err != nil {
		return err
	}
	r.forget(report.RunID)
	return nil
}

func (r *Recorder) forget(runID string) {
	r.mu.Lock()
	delete(r.started, runID)
	r.mu.Unlock()
}

// ensureRun creates the run row the first time an event of the run is seen.
func (r *Recorder) ensureRun(ctx context.Context, event engine.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started[event.RunID] {
		return true
	}

	err := r.store.StartRun(ctx, &RunRecord{
		ID:        event.RunID,
		Workflow:  r.workflow,
		Status:    engine.RunStatusRunning,
		StartedAt: event.Timestamp,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("run_id", event.RunID).Msg("Failed to archive run start")
		return false
	}
	r.started[event.RunID] = true
	return true
}
