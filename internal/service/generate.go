// Package service drives generation jobs end to end: it compiles prompts,
// submits workflow graphs to the backend, routes streamed execution events
// into registry transitions, and persists produced artifacts.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/kotaro-t/mirage/internal/comfy"
	"github.com/kotaro-t/mirage/internal/domain"
	"github.com/kotaro-t/mirage/internal/logger"
	"github.com/kotaro-t/mirage/internal/prompt"
	"github.com/kotaro-t/mirage/internal/queue"
	"github.com/kotaro-t/mirage/internal/storage"
	"github.com/kotaro-t/mirage/internal/workflow"
)

// EventStream is the per-job backend event session the generator owns.
type EventStream interface {
	Events() <-chan comfy.Event
	Close() error
}

// Backend is the slice of the ComfyUI client the generator needs. Kept as an
// interface so tests can run jobs against a synthetic backend.
type Backend interface {
	QueuePrompt(ctx context.Context, graph workflow.Graph) (string, error)
	OpenEvents(ctx context.Context) (EventStream, error)
	History(ctx context.Context, promptID string) (comfy.History, error)
	FetchImage(ctx context.Context, filename, subfolder, kind string) ([]byte, error)
}

// comfyBackend adapts *comfy.Client to the Backend interface.
type comfyBackend struct {
	*comfy.Client
}

func (b comfyBackend) OpenEvents(ctx context.Context) (EventStream, error) {
	return b.Client.OpenEvents(ctx)
}

// Generator owns the full lifecycle of generation jobs. Each in-flight job
// holds exactly one event session; the sessions map tracks that ownership
// and every session is closed on the job's terminal transition.
type Generator struct {
	queue   *queue.Queue
	backend Backend
	store   storage.Store
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]EventStream
}

// New creates a generator backed by a real ComfyUI client.
func New(q *queue.Queue, client *comfy.Client, store storage.Store, log *logger.Logger) *Generator {
	return newGenerator(q, comfyBackend{client}, store, log)
}

func newGenerator(q *queue.Queue, backend Backend, store storage.Store, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Generator{
		queue:    q,
		backend:  backend,
		store:    store,
		log:      log,
		sessions: make(map[string]EventStream),
	}
}

// Submit validates a generation request, registers a queued job and kicks
// off processing in the background. The returned snapshot is the immediate
// acknowledgment; callers poll the registry for progress. A backend that is
// down does not fail the submission, it fails the job.
func (g *Generator) Submit(_ context.Context, rawPrompt string, options map[string]interface{}) (domain.Job, error) {
	if strings.TrimSpace(rawPrompt) == "" {
		return domain.Job{}, domain.ErrEmptyPrompt
	}

	id := uuid.New().String()
	job, err := g.queue.Create(id, rawPrompt, options)
	if err != nil {
		return domain.Job{}, err
	}

	// Detached from the request context: the job outlives the HTTP call.
	ctx := logger.SetJobID(context.Background(), job.ID)
	go g.processJob(ctx, job)

	return job, nil
}

// processJob runs one job to a terminal state. Whatever happens, the job's
// event session is released before this returns.
func (g *Generator) processJob(ctx context.Context, job domain.Job) {
	defer g.closeSession(job.ID)

	if err := g.run(ctx, job); err != nil {
		logger.CtxError(ctx, "Job failed: %v", err)
		if _, ferr := g.queue.SetFailed(job.ID, err); ferr != nil {
			logger.CtxError(ctx, "Recording job failure: %v", ferr)
		}
		return
	}
	logger.CtxInfo(ctx, "Job finished")
}

func (g *Generator) run(ctx context.Context, job domain.Job) error {
	cleaned, directiveOpts := prompt.Compile(job.Prompt)
	merged := mergeOptions(directiveOpts, job.Options)
	if _, err := g.queue.SetCompiledPrompt(job.ID, cleaned, merged); err != nil {
		return err
	}

	opts := workflow.OptionsFromMap(merged)
	var graph workflow.Graph
	if opts.Upscale {
		graph = workflow.Text2ImageUpscaled(cleaned, opts)
	} else {
		graph = workflow.Text2Image(cleaned, opts)
	}

	session, err := g.backend.OpenEvents(ctx)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	g.trackSession(job.ID, session)

	promptID, err := g.backend.QueuePrompt(ctx, graph)
	if err != nil {
		return fmt.Errorf("queueing workflow: %w", err)
	}

	if _, err := g.queue.SetProcessing(job.ID, promptID); err != nil {
		return err
	}
	logger.CtxInfo(ctx, "Job submitted to backend: prompt_id=%s", promptID)

	return g.eventLoop(ctx, job.ID, promptID, session)
}

// eventLoop consumes the session until a terminal event arrives. Events are
// trusted to arrive in backend emission order; the loop neither reorders nor
// deduplicates.
func (g *Generator) eventLoop(ctx context.Context, jobID, promptID string, session EventStream) error {
	for event := range session.Events() {
		switch event.Type {
		case comfy.EventProgress:
			if _, err := g.queue.UpdateProgress(jobID, event.Progress.Percent()); err != nil {
				return err
			}

		case comfy.EventExecuting:
			if !event.Executing.Done() {
				continue
			}
			return g.finalize(ctx, jobID, promptID)

		case comfy.EventExecutionError:
			// Preserved verbatim on the job record.
			return errors.New(event.ExecError.Message())
		}
	}
	return errors.New("backend event stream closed before completion")
}

// finalize resolves the outputs manifest, downloads and persists every
// produced image, and completes the job.
func (g *Generator) finalize(ctx context.Context, jobID, promptID string) error {
	history, err := g.backend.History(ctx, promptID)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}

	outputs := history[promptID].Images()
	if len(outputs) == 0 {
		return errors.New("no outputs found in backend history")
	}

	images := make([]domain.ImageRef, 0, len(outputs))
	now := time.Now().UnixMilli()
	for i, out := range outputs {
		data, err := g.backend.FetchImage(ctx, out.Filename, out.Subfolder, out.Type)
		if err != nil {
			return fmt.Errorf("fetching artifact %s: %w", out.Filename, err)
		}

		filename := fmt.Sprintf("%s_%d_%d.png", jobID, now, i)
		url, err := g.store.Save(ctx, filename, data, "image/png")
		if err != nil {
			return fmt.Errorf("persisting artifact %s: %w", filename, err)
		}

		ref := domain.ImageRef{
			Filename:      filename,
			URL:           url,
			ComfyFilename: out.Filename,
		}
		// Dimension sniffing is best effort; an undecodable artifact is
		// still a valid artifact.
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			ref.Width = cfg.Width
			ref.Height = cfg.Height
		}
		images = append(images, ref)
	}

	if _, err := g.queue.SetCompleted(jobID, images); err != nil {
		return err
	}
	logger.CtxInfo(ctx, "Job completed with %d image(s)", len(images))
	return nil
}

func (g *Generator) trackSession(jobID string, session EventStream) {
	g.mu.Lock()
	g.sessions[jobID] = session
	g.mu.Unlock()
}

// closeSession releases the job's event session, if one was opened.
func (g *Generator) closeSession(jobID string) {
	g.mu.Lock()
	session, ok := g.sessions[jobID]
	delete(g.sessions, jobID)
	g.mu.Unlock()

	if ok {
		if err := session.Close(); err != nil {
			g.log.WithField("job_id", jobID).WithError(err).Warn("Closing event session")
		}
	}
}

// openSessions returns how many event sessions are currently held.
func (g *Generator) openSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// mergeOptions overlays explicit submission options on top of the
// directive-derived ones. The merge is shallow; submission wins on key
// collision.
func mergeOptions(directives, submitted map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(directives)+len(submitted))
	for k, v := range directives {
		merged[k] = v
	}
	for k, v := range submitted {
		merged[k] = v
	}
	return merged
}

// StartPruner launches the background sweep that expires stale completed
// jobs. One ticker goroutine means sweeps never overlap; it stops when ctx
// is cancelled.
func (g *Generator) StartPruner(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pruned := g.queue.PruneStale(maxAge); pruned > 0 {
					g.log.WithField("count", pruned).Info("Pruned stale completed jobs")
				}
			}
		}
	}()
}
