package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/exam-forge/internal/pipeline"
)

type stubRunner struct {
	textRef   string
	genErr    map[string]error
	converted []string
	convErr   error
	bundleRef string
	bundleErr error

	mu          sync.Mutex
	genCalls    []string
	convCalls   []string
	bundleCalls []string
}

func (s *stubRunner) GenerateText(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	s.genCalls = append(s.genCalls, jobID)
	s.mu.Unlock()
	if err := s.genErr[jobID]; err != nil {
		return "", err
	}
	return s.textRef, nil
}

func (s *stubRunner) ConvertDocument(ctx context.Context, jobID, textRef string) ([]string, error) {
	s.mu.Lock()
	s.convCalls = append(s.convCalls, jobID)
	s.mu.Unlock()
	if s.convErr != nil {
		return nil, s.convErr
	}
	return s.converted, nil
}

func (s *stubRunner) BundleArtifacts(jobID string, refs []string) (string, error) {
	s.mu.Lock()
	s.bundleCalls = append(s.bundleCalls, jobID)
	s.mu.Unlock()
	if s.bundleErr != nil {
		return "", s.bundleErr
	}
	return s.bundleRef, nil
}

func newTestManager(store Store, runner StageRunner) *Manager {
	return &Manager{
		store:           store,
		runner:          runner,
		retention:       24 * time.Hour,
		generateTimeout: time.Minute,
		convertTimeout:  time.Minute,
	}
}

func seedAccepted(t *testing.T, store Store, jobID string) {
	t.Helper()
	if err := store.Create(context.Background(), newTestRecord(jobID, time.Now().Add(24*time.Hour))); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
}

func TestProcessJobSuccess(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{
		textRef:   "out/markdown/exam_解答解説.md",
		converted: []string{"out/pdf/exam_解答解説.pdf"},
		bundleRef: "out/exam_解答解説.zip",
	}
	m := newTestManager(store, runner)

	seedAccepted(t, store, "pipeline-1")
	m.processJob(context.Background(), "pipeline-1")

	record, err := store.Get(context.Background(), "pipeline-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusDone {
		t.Fatalf("unexpected status: %s (error=%+v)", record.Status, record.Error)
	}
	if record.BundleRef != "out/exam_解答解説.zip" {
		t.Fatalf("unexpected bundle ref: %q", record.BundleRef)
	}
	if len(record.OutputRefs) != 2 ||
		record.OutputRefs[0] != runner.textRef ||
		record.OutputRefs[1] != runner.converted[0] {
		t.Fatalf("unexpected output refs: %#v", record.OutputRefs)
	}
	if record.Error != nil {
		t.Fatalf("unexpected error info: %+v", record.Error)
	}
}

func TestProcessJobGenerationFailure(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{
		genErr: map[string]error{"pipeline-1": errors.New("model rejected the document")},
	}
	m := newTestManager(store, runner)

	seedAccepted(t, store, "pipeline-1")
	m.processJob(context.Background(), "pipeline-1")

	record, err := store.Get(context.Background(), "pipeline-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusFailedGeneration {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != pipeline.CodeGenerationFailed {
		t.Fatalf("unexpected error info: %+v", record.Error)
	}
	if len(record.OutputRefs) != 0 {
		t.Fatalf("failed generation must not leave output refs: %#v", record.OutputRefs)
	}
	if len(runner.convCalls) != 0 || len(runner.bundleCalls) != 0 {
		t.Fatal("later stages must not run after generation failure")
	}
}

func TestProcessJobGenerationTimeout(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{
		genErr: map[string]error{"pipeline-1": context.DeadlineExceeded},
	}
	m := newTestManager(store, runner)

	seedAccepted(t, store, "pipeline-1")
	m.processJob(context.Background(), "pipeline-1")

	record, err := store.Get(context.Background(), "pipeline-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusFailedGeneration {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != pipeline.CodeTimeout {
		t.Fatalf("deadline errors must map to the timeout code, got %+v", record.Error)
	}
}

func TestProcessJobConversionFailureKeepsText(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{
		textRef: "out/markdown/exam_解答解説.md",
		convErr: errors.New("pandoc exited with status 43"),
	}
	m := newTestManager(store, runner)

	seedAccepted(t, store, "pipeline-1")
	m.processJob(context.Background(), "pipeline-1")

	record, err := store.Get(context.Background(), "pipeline-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusFailedConversion {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != pipeline.CodeConversionFailed {
		t.Fatalf("unexpected error info: %+v", record.Error)
	}
	// テキスト成果物は部分成功としてレコードに残ります。
	if record.TextRef() != runner.textRef {
		t.Fatalf("text ref must survive conversion failure: %#v", record.OutputRefs)
	}
	if record.BundleRef != "" {
		t.Fatalf("bundle ref must stay empty: %q", record.BundleRef)
	}
}

func TestProcessJobBundleFailure(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{
		textRef:   "out/markdown/exam_解答解説.md",
		converted: []string{"out/pdf/exam_解答解説.pdf"},
		bundleErr: errors.New("disk full"),
	}
	m := newTestManager(store, runner)

	seedAccepted(t, store, "pipeline-1")
	m.processJob(context.Background(), "pipeline-1")

	record, err := store.Get(context.Background(), "pipeline-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusFailedConversion {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.Error == nil || record.Error.Code != pipeline.CodeInternal {
		t.Fatalf("unexpected error info: %+v", record.Error)
	}
}

func TestProcessJobIsolation(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{
		textRef:   "out/markdown/exam_解答解説.md",
		converted: []string{"out/pdf/exam_解答解説.pdf"},
		bundleRef: "out/exam_解答解説.zip",
		genErr:    map[string]error{"pipeline-bad": errors.New("boom")},
	}
	m := newTestManager(store, runner)

	seedAccepted(t, store, "pipeline-bad")
	seedAccepted(t, store, "pipeline-good")

	m.processJob(context.Background(), "pipeline-bad")
	m.processJob(context.Background(), "pipeline-good")

	bad, err := store.Get(context.Background(), "pipeline-bad")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	good, err := store.Get(context.Background(), "pipeline-good")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if bad.Status != StatusFailedGeneration {
		t.Fatalf("unexpected status for failed job: %s", bad.Status)
	}
	if good.Status != StatusDone {
		t.Fatalf("one job's failure leaked into another: %s", good.Status)
	}
}

func TestProcessJobConcurrentTerminalStates(t *testing.T) {
	const jobCount = 8

	store := NewMemoryStore()
	runner := &stubRunner{
		textRef:   "out/markdown/exam_解答解説.md",
		converted: []string{"out/pdf/exam_解答解説.pdf"},
		bundleRef: "out/exam_解答解説.zip",
		genErr:    map[string]error{},
	}
	m := newTestManager(store, runner)

	ids := make([]string, 0, jobCount)
	for i := 0; i < jobCount; i++ {
		id := fmt.Sprintf("pipeline-%d", i)
		ids = append(ids, id)
		seedAccepted(t, store, id)
		// 奇数番のジョブだけ生成ステージで失敗させます。
		if i%2 == 1 {
			runner.genErr[id] = errors.New("boom")
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			m.processJob(context.Background(), jobID)
		}(id)
	}
	wg.Wait()

	for i, id := range ids {
		record, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) returned error: %v", id, err)
		}
		want := StatusDone
		if i%2 == 1 {
			want = StatusFailedGeneration
		}
		if record.Status != want {
			t.Fatalf("job %s reached %s, want %s", id, record.Status, want)
		}
		if want == StatusDone && record.BundleRef != runner.bundleRef {
			t.Fatalf("job %s missing bundle ref: %q", id, record.BundleRef)
		}
		if want == StatusFailedGeneration && len(record.OutputRefs) != 0 {
			t.Fatalf("failed job %s picked up output refs: %v", id, record.OutputRefs)
		}
	}

	if len(runner.genCalls) != jobCount {
		t.Fatalf("unexpected generate call count: %d", len(runner.genCalls))
	}
}

func TestProcessJobMissingRecord(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{textRef: "out/markdown/a.md"}
	m := newTestManager(store, runner)

	// レコードが無い場合は何もせず戻るだけで、ステージは実行されません。
	m.processJob(context.Background(), "pipeline-ghost")
	if len(runner.genCalls) != 0 {
		t.Fatal("stages must not run without a record")
	}
}
