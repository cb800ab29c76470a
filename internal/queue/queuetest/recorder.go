// Package queuetest provides an in-memory queue.Queue for tests.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/queue"
)

// Recorder keeps every enqueued job in memory. Fail, when set, is returned
// by Enqueue.
type Recorder struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job
	all  []Entry
	Fail error
}

type Entry struct {
	Job   queue.Job
	Delay time.Duration
}

func New() *Recorder {
	return &Recorder{jobs: make(map[string]*queue.Job)}
}

func (r *Recorder) Enqueue(_ context.Context, kind string, payload any, opts queue.Options) (string, error) {
	if r.Fail != nil {
		return "", r.Fail
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	id := opts.JobID
	if id == "" {
		id = queue.NewJobID()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return "", errors.New("duplicate job id")
	}
	now := time.Now()
	j := &queue.Job{ID: id, Kind: kind, Payload: raw, EnqueuedAt: now, RunAt: now.Add(opts.Delay)}
	r.jobs[id] = j
	r.all = append(r.all, Entry{Job: *j, Delay: opts.Delay})
	return id, nil
}

func (r *Recorder) Exists(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	return ok, nil
}

func (r *Recorder) Get(_ context.Context, id string) (*queue.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (r *Recorder) Cancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

// Kind returns every job ever enqueued with kind, in order.
func (r *Recorder) Kind(kind string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.all {
		if e.Job.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
