// Package retry provides the retry-policy abstraction and an attempt-loop
// executor that wraps any fallible operation with classification, delay
// computation, and an elapsed-time/attempt-count cap.
package retry

import (
	"sync"
	"time"
)

// AttemptRecord is one entry in a RetryContext's attempt history.
type AttemptRecord struct {
	Number    int
	Timestamp time.Time
	Success   bool
	Err       error
}

// Context tracks the running state of a retry executor for one invocation:
// attempt history, elapsed time, and the last observed error. Mutated only
// through RecordSuccess/RecordFailure, both safe for concurrent callers
// even though a single executor invocation drives it from one goroutine at
// a time — stats getters may be read from other goroutines concurrently.
type Context struct {
	mu               sync.Mutex
	firstAttemptTime time.Time
	attempts         []AttemptRecord
	lastErr          error
}

// NewContext creates a fresh retry context, its clock starting now.
func NewContext() *Context {
	return &Context{firstAttemptTime: time.Now()}
}

// AttemptCount returns how many attempts have been recorded so far.
func (c *Context) AttemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

// Elapsed returns the time since the first attempt began.
func (c *Context) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.firstAttemptTime)
}

// LastError returns the most recently recorded failure, if any.
func (c *Context) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// RecordSuccess appends a successful attempt to the history.
func (c *Context) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, AttemptRecord{
		Number:    len(c.attempts) + 1,
		Timestamp: time.Now(),
		Success:   true,
	})
	c.lastErr = nil
}

// RecordFailure appends a failed attempt to the history and remembers the
// error for classification on the next shouldRetry check.
func (c *Context) RecordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, AttemptRecord{
		Number:    len(c.attempts) + 1,
		Timestamp: time.Now(),
		Success:   false,
		Err:       err,
	})
	c.lastErr = err
}

// Attempts returns an immutable snapshot of the attempt history.
func (c *Context) Attempts() []AttemptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AttemptRecord, len(c.attempts))
	copy(out, c.attempts)
	return out
}
