package classifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Fake is an in-process Classifier for tests and local runs.
type Fake struct {
	mu      sync.Mutex
	results map[string]*Result
	err     error
	delay   time.Duration
	calls   atomic.Int64
}

// NewFake returns a fake that reports every text as clean until told otherwise.
func NewFake() *Fake {
	return &Fake{results: make(map[string]*Result)}
}

// Set fixes the result returned for text.
func (f *Fake) Set(text string, r *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[text] = r
}

// Flag makes text come back flagged with the given raw categories.
func (f *Fake) Flag(text string, raw ...string) {
	cats := make(map[string]bool, len(raw))
	for _, c := range raw {
		cats[c] = true
	}
	f.Set(text, &Result{Flagged: true, RawCategories: cats})
}

// FailWith makes every call return err; nil clears it.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Delay makes every call wait d, or until ctx is done.
func (f *Fake) Delay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how many times Classify was invoked.
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}

func (f *Fake) Classify(ctx context.Context, text string) (*Result, error) {
	f.calls.Add(1)

	f.mu.Lock()
	r, ok := f.results[text]
	err, delay := f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{RawCategories: map[string]bool{}}, nil
	}
	return r, nil
}
