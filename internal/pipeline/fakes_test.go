package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nerdneilsfield/telegram-veo-bot/internal/enrich"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/storage"
	"github.com/nerdneilsfield/telegram-veo-bot/pkg/kieapi"
)

// keyTranslator renders "key k=v k=v" so tests can assert on message identity.
type keyTranslator struct{}

func (keyTranslator) T(_ *string, key string, args ...interface{}) string {
	parts := []string{key}
	for i := 0; i+1 < len(args); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", args[i], args[i+1]))
	}
	return strings.Join(parts, " ")
}

type fakeChannel struct {
	mu        sync.Mutex
	messages  []string
	videos    []Video
	captions  []string
	failURL   bool
	failPath  bool
	fileSeen  []bool // whether the uploaded path existed at send time
	sendCalls int
}

func (c *fakeChannel) SendMessage(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}

func (c *fakeChannel) SendVideo(_ context.Context, v Video, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	if v.URL != "" && c.failURL {
		return errors.New("telegram: failed to get HTTP URL content")
	}
	if v.Path != "" {
		_, err := os.Stat(v.Path)
		c.fileSeen = append(c.fileSeen, err == nil)
		if c.failPath {
			return errors.New("telegram: request entity too large")
		}
	}
	c.videos = append(c.videos, v)
	c.captions = append(c.captions, caption)
	return nil
}

func (c *fakeChannel) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// hasMessage reports whether some message starts with key.
func (c *fakeChannel) hasMessage(key string) bool {
	for _, m := range c.Messages() {
		if m == key || strings.HasPrefix(m, key+" ") {
			return true
		}
	}
	return false
}

type fakeAPI struct {
	submitErr  error
	submitFn   func(req kieapi.GenerationRequest) (*kieapi.Job, error)
	pollResult *kieapi.PollResult
	pollErr    error
	pollFn     func(ctx context.Context) (*kieapi.PollResult, error)
	status     *kieapi.StatusReport
	statusErr  error

	mu        sync.Mutex
	submitted []kieapi.GenerationRequest
}

func (f *fakeAPI) Submit(_ context.Context, req kieapi.GenerationRequest) (*kieapi.Job, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	if f.submitFn != nil {
		return f.submitFn(req)
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &kieapi.Job{ID: "task-1", LocalID: "local", Model: "veo3_fast", Request: req}, nil
}

func (f *fakeAPI) GetStatus(_ context.Context, _ string) (*kieapi.StatusReport, error) {
	return f.status, f.statusErr
}

func (f *fakeAPI) PollUntilTerminal(ctx context.Context, taskID string, _ kieapi.PollOptions) (*kieapi.PollResult, error) {
	if f.pollFn != nil {
		return f.pollFn(ctx)
	}
	return f.pollResult, f.pollErr
}

type fakeJobs struct {
	mu       sync.Mutex
	records  map[string]*storage.JobRecord
	finished map[string]string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{records: map[string]*storage.JobRecord{}, finished: map[string]string{}}
}

func (j *fakeJobs) Create(rec *storage.JobRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *rec
	cp.State = storage.JobStateSubmitting
	j.records[rec.ID] = &cp
	return nil
}

func (j *fakeJobs) MarkSubmitted(id, taskID, model string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[id].TaskID = taskID
	j.records[id].State = storage.JobStatePending
	return nil
}

func (j *fakeJobs) Finish(id, state string, urls []string, reason string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, done := j.finished[id]; done {
		return false, nil
	}
	j.finished[id] = state
	j.records[id].State = state
	return true, nil
}

func (j *fakeJobs) MarkDeliveryFailed(id, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[id].State = storage.JobStateDeliveryFailed
	return nil
}

func (j *fakeJobs) FindByTaskID(taskID string) (*storage.JobRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.records {
		if r.TaskID == taskID {
			return r, nil
		}
	}
	return nil, storage.ErrJobNotFound
}

func (j *fakeJobs) state(id string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if r, ok := j.records[id]; ok {
		return r.State
	}
	return ""
}

type fakeBilling struct {
	balance  float64
	cost     float64
	refunded int
}

func (b *fakeBilling) Enabled() bool                  { return b.cost > 0 }
func (b *fakeBilling) Cost() float64                  { return b.cost }
func (b *fakeBilling) GetBalance(int64) float64       { return b.balance }
func (b *fakeBilling) Refund(int64) error             { b.refunded++; b.balance += b.cost; return nil }
func (b *fakeBilling) CheckAndDeduct(int64) (float64, error) {
	if b.balance < b.cost {
		return 0, storage.ErrInsufficientBalance
	}
	b.balance -= b.cost
	return b.balance, nil
}

type fakeEnricher struct{ result enrich.Result }

func (f fakeEnricher) Enrich(context.Context, string, string) enrich.Result { return f.result }
