package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/PiEnTran30/XSonic-sub000/internal/domain/entity"
)

// fakeStore is an in-memory QueueStore with the same not-found semantics as
// the Redis repository.
type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]*entity.Job
	lanes      map[entity.Lane][]string
	idem       map[string]string
	status     entity.GpuWorkerStatus
	lastUpdate time.Time
	reconcile  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[string]*entity.Job),
		lanes: make(map[entity.Lane][]string),
		idem:  make(map[string]string),
	}
}

func (s *fakeStore) SaveJob(_ context.Context, job *entity.Job, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) UpdateJob(_ context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *fakeStore) PushLane(_ context.Context, lane entity.Lane, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes[lane] = append(s.lanes[lane], jobID)
	return nil
}

func (s *fakeStore) PopLane(_ context.Context, lane entity.Lane) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.lanes[lane]
	if len(ids) == 0 {
		return "", nil
	}
	s.lanes[lane] = ids[1:]
	return ids[0], nil
}

func (s *fakeStore) LaneDepth(_ context.Context, lane entity.Lane) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lanes[lane])), nil
}

func (s *fakeStore) ReserveIdempotency(_ context.Context, key, jobID string, _ time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idem[key]; ok {
		return existing, false, nil
	}
	s.idem[key] = jobID
	return jobID, true, nil
}

func (s *fakeStore) LookupIdempotency(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idem[key], nil
}

func (s *fakeStore) SetGpuWorkerStatus(_ context.Context, status entity.GpuWorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.lastUpdate = time.Now()
	return nil
}

func (s *fakeStore) GetGpuWorkerStatus(_ context.Context) (entity.GpuWorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == "" {
		return entity.GpuWorkerStopped, nil
	}
	return s.status, nil
}

func (s *fakeStore) GetGpuWorkerLastUpdate(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate, nil
}

func (s *fakeStore) PushBillingReconcile(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcile = append(s.reconcile, jobID)
	return nil
}

// setLastUpdate backdates the worker flag for idle/cooldown scenarios.
func (s *fakeStore) setLastUpdate(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdate = t
}

func (s *fakeStore) laneIDs(lane entity.Lane) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lanes[lane]...)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []json.RawMessage
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, body json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, body)
	return nil
}

type billingCall struct {
	UserID        string
	Amount        float64
	ReferenceType string
	ReferenceID   string
}

type fakeBilling struct {
	mu    sync.Mutex
	calls []billingCall
	err   error
}

func (b *fakeBilling) DeductCredits(_ context.Context, userID string, amount float64, _, referenceType, referenceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, billingCall{UserID: userID, Amount: amount, ReferenceType: referenceType, ReferenceID: referenceID})
	return b.err
}

// fakeProvider scripts the remote GPU provider for controller tests.
type fakeProvider struct {
	mu           sync.Mutex
	startErr     error
	stopErr      error
	healthy      bool
	healthyAfter int // number of probes that fail before one succeeds

	startCalls  int
	stopCalls   int
	healthCalls int
}

func (p *fakeProvider) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	return p.startErr
}

func (p *fakeProvider) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return p.stopErr
}

func (p *fakeProvider) Healthy(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthCalls++
	if p.healthyAfter > 0 {
		p.healthyAfter--
		return false
	}
	return p.healthy
}
