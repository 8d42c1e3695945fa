package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kotaro-t/mirage/internal/comfy"
	"github.com/kotaro-t/mirage/internal/domain"
	"github.com/kotaro-t/mirage/internal/queue"
	"github.com/kotaro-t/mirage/internal/storage"
	"github.com/kotaro-t/mirage/internal/workflow"
)

type fakeStream struct {
	ch        chan comfy.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		ch:     make(chan comfy.Event, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Events() <-chan comfy.Event { return f.ch }

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.ch)
	})
	return nil
}

func (f *fakeStream) send(event comfy.Event) {
	select {
	case f.ch <- event:
	case <-f.closed:
	}
}

type fakeBackend struct {
	mu          sync.Mutex
	stream      *fakeStream
	promptID    string
	openErr     error
	queueErr    error
	history     comfy.History
	historyErr  error
	imageBytes  []byte
	queuedGraph workflow.Graph
}

func (f *fakeBackend) OpenEvents(context.Context) (EventStream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func (f *fakeBackend) QueuePrompt(_ context.Context, graph workflow.Graph) (string, error) {
	f.mu.Lock()
	f.queuedGraph = graph
	f.mu.Unlock()
	if f.queueErr != nil {
		return "", f.queueErr
	}
	return f.promptID, nil
}

func (f *fakeBackend) History(context.Context, string) (comfy.History, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeBackend) FetchImage(context.Context, string, string, string) ([]byte, error) {
	return f.imageBytes, nil
}

func (f *fakeBackend) graph() workflow.Graph {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queuedGraph
}

func newTestGenerator(t *testing.T, backend Backend) (*Generator, *queue.Queue) {
	t.Helper()
	q := queue.New()
	store, err := storage.NewLocal(t.TempDir(), "/api/images")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	return newGenerator(q, backend, store, nil), q
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, status domain.JobStatus) domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(id)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := q.Get(id)
	t.Fatalf("job %s never reached %s (stuck at %s, error=%q)", id, status, job.Status, job.Error)
	return domain.Job{}
}

func waitForProgress(t *testing.T, q *queue.Queue, id string, progress int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(id)
		if err == nil && job.Progress == progress {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := q.Get(id)
	t.Fatalf("job %s never reached progress %d (at %d)", id, progress, job.Progress)
}

// waitForSessionsReleased polls until the generator holds no sessions; the
// terminal transition lands just before the deferred session close.
func waitForSessionsReleased(t *testing.T, gen *Generator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gen.openSessions() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("event sessions were not released, %d still open", gen.openSessions())
}

func historyWithOneImage(promptID string) comfy.History {
	return comfy.History{
		promptID: comfy.HistoryEntry{
			Outputs: map[string]comfy.NodeOutput{
				"9": {Images: []comfy.OutputImage{
					{Filename: "mirage_00001_.png", Type: "output"},
				}},
			},
		},
	}
}

func TestSubmitEmptyPrompt(t *testing.T) {
	gen, q := newTestGenerator(t, &fakeBackend{stream: newFakeStream()})

	_, err := gen.Submit(context.Background(), "   ", nil)
	if !errors.Is(err, domain.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("no job may be created for an invalid submission")
	}
}

func TestSubmitReturnsImmediately(t *testing.T) {
	backend := &fakeBackend{stream: newFakeStream(), promptID: "p-1"}
	gen, _ := newTestGenerator(t, backend)

	job, err := gen.Submit(context.Background(), "a cat", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Errorf("acknowledgment must carry the queued state, got %s", job.Status)
	}
	if job.ID == "" {
		t.Errorf("expected a generated job id")
	}
}

func TestJobEndToEnd(t *testing.T) {
	stream := newFakeStream()
	backend := &fakeBackend{
		stream:     stream,
		promptID:   "p-1",
		history:    historyWithOneImage("p-1"),
		imageBytes: []byte{0x89, 'P', 'N', 'G'},
	}
	gen, q := newTestGenerator(t, backend)

	job, err := gen.Submit(context.Background(), "a cat --ar 16:9 --seed 42", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	processing := waitForStatus(t, q, job.ID, domain.JobStatusProcessing)
	if processing.CompiledPrompt != "a cat" {
		t.Errorf("expected compiled prompt %q, got %q", "a cat", processing.CompiledPrompt)
	}
	if processing.ComfyPromptID != "p-1" {
		t.Errorf("expected backend handle recorded, got %q", processing.ComfyPromptID)
	}
	if processing.Options["width"] != 1024 || processing.Options["height"] != 576 {
		t.Errorf("expected 1024x576 from --ar 16:9, got %vx%v",
			processing.Options["width"], processing.Options["height"])
	}
	if processing.Options["seed"] != int64(42) {
		t.Errorf("expected seed 42, got %v", processing.Options["seed"])
	}

	// The graph sent to the backend must carry the compiled prompt and seed.
	g := backend.graph()
	if g["6"].Inputs["text"] != "a cat" {
		t.Errorf("graph must carry the compiled prompt, got %v", g["6"].Inputs["text"])
	}
	if g["3"].Inputs["seed"] != int64(42) {
		t.Errorf("graph must carry the directive seed, got %v", g["3"].Inputs["seed"])
	}

	stream.send(comfy.Event{Type: comfy.EventProgress, Progress: &comfy.ProgressData{Value: 10, Max: 20}})
	waitForProgress(t, q, job.ID, 50)

	stream.send(comfy.Event{Type: comfy.EventExecuting, Executing: &comfy.ExecutingData{Node: nil, PromptID: "p-1"}})

	completed := waitForStatus(t, q, job.ID, domain.JobStatusCompleted)
	if completed.Progress != 100 {
		t.Errorf("expected progress 100, got %d", completed.Progress)
	}
	if len(completed.Images) != 1 {
		t.Fatalf("expected one image, got %d", len(completed.Images))
	}
	img := completed.Images[0]
	if img.ComfyFilename != "mirage_00001_.png" {
		t.Errorf("expected backend-native name preserved, got %q", img.ComfyFilename)
	}
	if !strings.HasPrefix(img.Filename, job.ID+"_") {
		t.Errorf("expected job-scoped filename, got %q", img.Filename)
	}
	if !strings.HasPrefix(img.URL, "/api/images/") {
		t.Errorf("expected public url, got %q", img.URL)
	}

	waitForSessionsReleased(t, gen)
}

func TestExecutionErrorFailsJobVerbatim(t *testing.T) {
	stream := newFakeStream()
	backend := &fakeBackend{stream: stream, promptID: "p-1"}
	gen, q := newTestGenerator(t, backend)

	job, _ := gen.Submit(context.Background(), "a cat", nil)
	waitForStatus(t, q, job.ID, domain.JobStatusProcessing)

	stream.send(comfy.Event{
		Type:      comfy.EventExecutionError,
		ExecError: &comfy.ExecutionErrorData{ExceptionMessage: "CUDA out of memory"},
	})

	failed := waitForStatus(t, q, job.ID, domain.JobStatusFailed)
	if failed.Error != "CUDA out of memory" {
		t.Errorf("expected backend message verbatim, got %q", failed.Error)
	}
	waitForSessionsReleased(t, gen)
}

func TestEmptyOutputsFailsJob(t *testing.T) {
	stream := newFakeStream()
	backend := &fakeBackend{
		stream:   stream,
		promptID: "p-1",
		history:  comfy.History{"p-1": comfy.HistoryEntry{}},
	}
	gen, q := newTestGenerator(t, backend)

	job, _ := gen.Submit(context.Background(), "a cat", nil)
	waitForStatus(t, q, job.ID, domain.JobStatusProcessing)

	stream.send(comfy.Event{Type: comfy.EventExecuting, Executing: &comfy.ExecutingData{Node: nil}})

	failed := waitForStatus(t, q, job.ID, domain.JobStatusFailed)
	if !strings.Contains(failed.Error, "no outputs") {
		t.Errorf("expected a no-outputs error, got %q", failed.Error)
	}
}

func TestUnreachableBackendFailsJobNotSubmission(t *testing.T) {
	backend := &fakeBackend{stream: newFakeStream(), openErr: comfy.ErrUnreachable}
	gen, q := newTestGenerator(t, backend)

	job, err := gen.Submit(context.Background(), "a cat", nil)
	if err != nil {
		t.Fatalf("submission must not fail on an unreachable backend: %v", err)
	}

	failed := waitForStatus(t, q, job.ID, domain.JobStatusFailed)
	if !strings.Contains(failed.Error, "unreachable") {
		t.Errorf("expected an unreachable error, got %q", failed.Error)
	}
}

func TestQueuePromptFailureFailsJob(t *testing.T) {
	backend := &fakeBackend{
		stream:   newFakeStream(),
		queueErr: &comfy.BackendError{StatusCode: 500, Body: "internal error"},
	}
	gen, q := newTestGenerator(t, backend)

	job, _ := gen.Submit(context.Background(), "a cat", nil)

	failed := waitForStatus(t, q, job.ID, domain.JobStatusFailed)
	if !strings.Contains(failed.Error, "HTTP 500") {
		t.Errorf("expected backend error detail, got %q", failed.Error)
	}
	waitForSessionsReleased(t, gen)
}

func TestStreamClosingEarlyFailsJob(t *testing.T) {
	stream := newFakeStream()
	backend := &fakeBackend{stream: stream, promptID: "p-1"}
	gen, q := newTestGenerator(t, backend)

	job, _ := gen.Submit(context.Background(), "a cat", nil)
	waitForStatus(t, q, job.ID, domain.JobStatusProcessing)

	stream.Close()

	failed := waitForStatus(t, q, job.ID, domain.JobStatusFailed)
	if !strings.Contains(failed.Error, "closed before completion") {
		t.Errorf("unexpected error %q", failed.Error)
	}
}

func TestSubmissionOptionsWinOverDirectives(t *testing.T) {
	stream := newFakeStream()
	backend := &fakeBackend{stream: stream, promptID: "p-1"}
	gen, q := newTestGenerator(t, backend)

	// --seed 42 in the prompt, explicit seed 7 in the submission.
	job, _ := gen.Submit(context.Background(), "a cat --seed 42", map[string]interface{}{"seed": float64(7)})

	processing := waitForStatus(t, q, job.ID, domain.JobStatusProcessing)
	if processing.Options["seed"] != float64(7) {
		t.Errorf("submission option must win, got %v", processing.Options["seed"])
	}
	if backend.graph()["3"].Inputs["seed"] != int64(7) {
		t.Errorf("graph must carry the submission seed, got %v", backend.graph()["3"].Inputs["seed"])
	}
}

func TestUpscaleOption(t *testing.T) {
	stream := newFakeStream()
	backend := &fakeBackend{stream: stream, promptID: "p-1"}
	gen, q := newTestGenerator(t, backend)

	job, _ := gen.Submit(context.Background(), "a cat", map[string]interface{}{"upscale": true})
	waitForStatus(t, q, job.ID, domain.JobStatusProcessing)

	g := backend.graph()
	if _, ok := g["10"]; !ok {
		t.Errorf("expected the upscale variant graph")
	}
}

func TestConcurrentJobsAreIsolated(t *testing.T) {
	streams := make(chan *fakeStream, 8)
	backend := &multiStreamBackend{streams: streams, promptIDs: make(chan string, 8)}
	gen, q := newTestGenerator(t, backend)

	for i := 0; i < 4; i++ {
		backend.promptIDs <- "p-" + string(rune('a'+i))
		stream := newFakeStream()
		streams <- stream
	}

	var jobs []domain.Job
	for i := 0; i < 4; i++ {
		job, err := gen.Submit(context.Background(), "a cat", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		waitForStatus(t, q, job.ID, domain.JobStatusProcessing)
	}

	// Fail them all via their own streams; no cross-job interference.
	for _, stream := range backend.openedStreams() {
		stream.send(comfy.Event{
			Type:      comfy.EventExecutionError,
			ExecError: &comfy.ExecutionErrorData{ExceptionMessage: "boom"},
		})
	}
	for _, job := range jobs {
		failed := waitForStatus(t, q, job.ID, domain.JobStatusFailed)
		if failed.Error != "boom" {
			t.Errorf("job %s: unexpected error %q", job.ID, failed.Error)
		}
	}
}

type multiStreamBackend struct {
	mu        sync.Mutex
	streams   chan *fakeStream
	promptIDs chan string
	opened    []*fakeStream
}

func (m *multiStreamBackend) openedStreams() []*fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeStream(nil), m.opened...)
}

func (m *multiStreamBackend) OpenEvents(context.Context) (EventStream, error) {
	stream := <-m.streams
	m.mu.Lock()
	m.opened = append(m.opened, stream)
	m.mu.Unlock()
	return stream, nil
}

func (m *multiStreamBackend) QueuePrompt(context.Context, workflow.Graph) (string, error) {
	return <-m.promptIDs, nil
}

func (m *multiStreamBackend) History(context.Context, string) (comfy.History, error) {
	return comfy.History{}, nil
}

func (m *multiStreamBackend) FetchImage(context.Context, string, string, string) ([]byte, error) {
	return nil, nil
}

func TestPrunerSweep(t *testing.T) {
	backend := &fakeBackend{stream: newFakeStream()}
	gen, q := newTestGenerator(t, backend)

	q.Create("done", "x", nil)
	q.SetProcessing("done", "p")
	q.SetCompleted("done", []domain.ImageRef{{Filename: "a.png"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen.StartPruner(ctx, 10*time.Millisecond, 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pruner never removed the stale completed job")
}
