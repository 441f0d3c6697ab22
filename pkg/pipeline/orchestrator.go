package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/executor"
	"github.com/fooker/adacta/pkg/observability"
	"github.com/fooker/adacta/pkg/registry"
)

// mutateAttempts bounds optimistic-concurrency retries on registry writes.
const mutateAttempts = 5

// queueFullBackoff is the resubmission delay when the executor pool
// rejects admission. Saturation is not a step failure and consumes no
// attempt.
var queueFullBackoff = time.Second

// Executor abstracts the execution pool.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
}

// Orchestrator drives documents through the step graph. Steps are
// dispatched the moment their inputs are available, results persist
// incrementally under optimistic concurrency, transient failures retry
// with deterministic backoff, and a permanent failure skips exactly the
// steps that transitively depend on it while everything else continues.
type Orchestrator struct {
	graph      *Graph
	exec       Executor
	registry   registry.Registry
	blobs      blob.Store
	classifier *Classifier
	obs        *observability.Provider
	logger     *slog.Logger
}

// NewOrchestrator assembles an orchestrator over the given graph.
func NewOrchestrator(graph *Graph, exec Executor, reg registry.Registry, blobs blob.Store, classifier *Classifier, obs *observability.Provider, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		graph:      graph,
		exec:       exec,
		registry:   reg,
		blobs:      blobs,
		classifier: classifier,
		obs:        obs,
		logger:     logger.With("component", "pipeline"),
	}
}

// outcome is one job's report back to the scheduling loop.
type outcome struct {
	job  *Job
	step Step
	res  executor.Result
	err  error
}

// Run processes one document to a terminal processing status and returns
// the final document. The run owns the status field for its duration; a
// cancelled run leaves the document in processing for recovery to pick up.
func (o *Orchestrator) Run(ctx context.Context, docID string) (document.Document, error) {
	doc, err := registry.Mutate(ctx, o.registry, docID, mutateAttempts, func(d *document.Document) error {
		d.Status = document.StatusProcessing
		return nil
	})
	if err != nil {
		return document.Document{}, fmt.Errorf("marking document processing: %w", err)
	}

	available := doc.Available()
	jobs := make(map[string]*Job, len(o.graph.Steps()))
	results := make(chan outcome)
	running := 0

	dispatch := func() {
		dispatched := make(map[string]bool, len(jobs))
		for name := range jobs {
			dispatched[name] = true
		}
		for _, step := range o.graph.Ready(available, dispatched) {
			job := newJob(doc.ID, step.Name)
			job.State = StateRunning
			jobs[step.Name] = job
			running++
			o.logger.Debug("step dispatched", "document", doc.ID, "step", step.Name)
			go o.runJob(ctx, job, step, stepInputs(step, available), results)
		}
	}

	dispatch()

	var persistErr error
	for running > 0 {
		out := <-results
		running--

		switch {
		case out.err == nil:
			out.job.State = StateSucceeded
			if err := o.persistSuccess(ctx, &doc, out); err != nil {
				persistErr = err
				o.logger.Error("persisting step results failed",
					"document", doc.ID, "step", out.step.Name, "error", err)
				continue
			}
			for kind, ref := range out.res.Artifacts {
				available[kind] = ref
			}
			o.obs.RecordJob(ctx, out.step.Name, "succeeded")
			o.obs.RecordStepDuration(ctx, out.step.Name, out.res.Duration)
			if persistErr == nil && ctx.Err() == nil {
				dispatch()
			}

		case errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded):
			out.job.State = StateCancelled
			out.job.Error = out.err.Error()
			o.obs.RecordJob(ctx, out.step.Name, "cancelled")

		default:
			out.job.State = StateFailed
			out.job.Error = out.err.Error()
			o.obs.RecordJob(ctx, out.step.Name, "failed")
			o.logger.Warn("step failed permanently",
				"document", doc.ID, "step", out.step.Name, "attempts", out.job.Attempt, "error", out.err)
			o.persistFailureLog(ctx, &doc, out)

			for _, name := range o.graph.Dependents(out.step.Outputs...) {
				if _, started := jobs[name]; started {
					continue
				}
				skipped := newJob(doc.ID, name)
				skipped.State = StateSkipped
				skipped.Error = fmt.Sprintf("upstream step %s failed", out.step.Name)
				jobs[name] = skipped
				o.obs.RecordJob(ctx, name, "skipped")
				o.logger.Warn("step skipped", "document", doc.ID, "step", name, "upstream", out.step.Name)
			}
		}
	}

	if ctx.Err() != nil {
		return doc, ctx.Err()
	}
	if persistErr != nil {
		return doc, persistErr
	}

	status := finalStatus(jobs)
	doc, err = registry.Mutate(ctx, o.registry, doc.ID, mutateAttempts, func(d *document.Document) error {
		d.Status = status
		if (status == document.StatusProcessed || status == document.StatusPartiallyFailed) && d.ArchivedAt == nil {
			now := time.Now().UTC()
			d.ArchivedAt = &now
		}
		return nil
	})
	if err != nil {
		return document.Document{}, fmt.Errorf("finalizing document status: %w", err)
	}

	o.logger.Info("document processed", "document", doc.ID, "status", doc.Status, "steps", len(jobs))
	return doc, nil
}

// runJob executes one job to a terminal state, retrying transient
// failures within the step's policy.
func (o *Orchestrator) runJob(ctx context.Context, job *Job, step Step, inputs map[document.Kind]blob.Ref, results chan<- outcome) {
	policy := step.Retry.withDefaults()

	for {
		job.Attempt++
		res, err := o.exec.Execute(ctx, executor.Request{
			DocumentID:     job.DocumentID,
			Step:           step.Name,
			Attempt:        job.Attempt,
			Runtime:        step.Runtime,
			Image:          step.Image,
			Cmd:            step.Cmd,
			Env:            step.Env,
			Inputs:         inputs,
			Outputs:        step.Outputs,
			Timeout:        step.Timeout,
			NetworkEnabled: step.NetworkEnabled,
			Resources:      step.Resources,
		})
		if err == nil {
			results <- outcome{job: job, step: step, res: res}
			return
		}
		if ctx.Err() != nil {
			results <- outcome{job: job, step: step, err: fmt.Errorf("job cancelled: %w", ctx.Err())}
			return
		}

		if errors.Is(err, executor.ErrQueueFull) {
			job.Attempt--
			select {
			case <-time.After(queueFullBackoff):
				continue
			case <-ctx.Done():
				results <- outcome{job: job, step: step, err: fmt.Errorf("job cancelled: %w", ctx.Err())}
				return
			}
		}

		transient := false
		var execErr *executor.Error
		if errors.As(err, &execErr) {
			transient = execErr.Retryable()
			// the step's own classifier gets the last word on exit failures
			if step.Classifier != "" && execErr.Code == executor.CodeStepFailed && o.classifier != nil {
				refined, cerr := o.classifier.Transient(step.Classifier, execErr.ExitCode, execErr.LogTail, job.Attempt)
				if cerr != nil {
					o.logger.Warn("classifier evaluation failed", "step", step.Name, "error", cerr)
				} else {
					transient = refined
				}
			}
		}

		if transient && job.Attempt < policy.MaxAttempts {
			delay := Backoff(policy, job.ID, step.Name, job.Attempt)
			job.State = StateRetrying
			o.logger.Info("step retrying",
				"document", job.DocumentID, "step", step.Name,
				"attempt", job.Attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				job.State = StateRunning
				continue
			case <-ctx.Done():
				results <- outcome{job: job, step: step, err: fmt.Errorf("job cancelled: %w", ctx.Err())}
				return
			}
		}

		results <- outcome{job: job, step: step, err: err}
		return
	}
}

// persistSuccess records a job's artifacts and execution log on the
// document, and folds reported metadata in.
func (o *Orchestrator) persistSuccess(ctx context.Context, doc *document.Document, out outcome) error {
	var meta *stepMetadata
	if ref, ok := out.res.Artifacts[document.KindMetadata]; ok {
		data, err := o.blobs.Get(ctx, ref)
		if err != nil {
			o.logger.Warn("metadata artifact unreadable", "document", doc.ID, "ref", ref, "error", err)
		} else if m, err := parseMetadata(data); err != nil {
			o.logger.Warn("metadata artifact malformed", "document", doc.ID, "error", err)
		} else {
			meta = m
		}
	}

	updated, err := registry.Mutate(ctx, o.registry, doc.ID, mutateAttempts, func(d *document.Document) error {
		if d.Artifacts == nil {
			d.Artifacts = make(map[document.Kind]blob.Ref, len(out.res.Artifacts)+1)
		}
		for kind, ref := range out.res.Artifacts {
			d.Artifacts[kind] = ref
		}
		if out.res.Log != "" {
			d.Artifacts[document.LogKind(out.step.Name)] = out.res.Log
		}
		if meta != nil {
			meta.apply(d)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*doc = updated
	return nil
}

// persistFailureLog keeps the execution log of a failed step when one was
// captured. Failed runs leave evidence too.
func (o *Orchestrator) persistFailureLog(ctx context.Context, doc *document.Document, out outcome) {
	var execErr *executor.Error
	if !errors.As(out.err, &execErr) || execErr.Log == "" {
		return
	}
	updated, err := registry.Mutate(ctx, o.registry, doc.ID, mutateAttempts, func(d *document.Document) error {
		if d.Artifacts == nil {
			d.Artifacts = make(map[document.Kind]blob.Ref, 1)
		}
		d.Artifacts[document.LogKind(out.step.Name)] = execErr.Log
		return nil
	})
	if err != nil {
		o.logger.Warn("persisting failure log failed", "document", doc.ID, "step", out.step.Name, "error", err)
		return
	}
	*doc = updated
}

// stepInputs snapshots the refs a step consumes; the available set keeps
// changing while the job runs.
func stepInputs(step Step, available map[document.Kind]blob.Ref) map[document.Kind]blob.Ref {
	inputs := make(map[document.Kind]blob.Ref, len(step.Inputs))
	for _, kind := range step.Inputs {
		inputs[kind] = available[kind]
	}
	return inputs
}

// finalStatus reduces job states to the document's processing status:
// everything succeeded means processed, some artifacts materialized means
// partially failed, nothing useful happened means failed.
func finalStatus(jobs map[string]*Job) document.Status {
	succeeded, failed := 0, 0
	for _, job := range jobs {
		switch job.State {
		case StateSucceeded:
			succeeded++
		case StateFailed, StateSkipped:
			failed++
		}
	}
	switch {
	case failed == 0:
		return document.StatusProcessed
	case succeeded > 0:
		return document.StatusPartiallyFailed
	default:
		return document.StatusFailed
	}
}

// stepMetadata is what a metadata-producing step may report about the
// document. Absent fields leave the document untouched.
type stepMetadata struct {
	Title      *string           `json:"title"`
	Pages      *int              `json:"pages"`
	Labels     []string          `json:"labels"`
	Properties map[string]string `json:"properties"`
}

func parseMetadata(data []byte) (*stepMetadata, error) {
	var meta stepMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// apply folds extracted metadata into the document. Caller-supplied values
// win: labels are unioned, properties only fill keys the user left unset,
// and the title is taken only when none was given at ingest.
func (m *stepMetadata) apply(d *document.Document) {
	if m.Title != nil && d.Title == "" {
		d.Title = *m.Title
	}
	if m.Pages != nil {
		d.Pages = *m.Pages
	}
	for _, label := range m.Labels {
		seen := false
		for _, have := range d.Labels {
			if have == label {
				seen = true
				break
			}
		}
		if !seen {
			d.Labels = append(d.Labels, label)
		}
	}
	if len(m.Properties) > 0 && d.Properties == nil {
		d.Properties = make(map[string]string, len(m.Properties))
	}
	for k, v := range m.Properties {
		if _, taken := d.Properties[k]; !taken {
			d.Properties[k] = v
		}
	}
}
