package generation

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a generation task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Task error codes.
const (
	CodeCancelled      = "cancelled"
	CodeTimeout        = "timeout"
	CodeGenerateFailed = "generate_failed"
	CodePanic          = "panic"
	CodePrecheck       = "precheck_failed"
	CodeTooLarge       = "artifact_too_large"
	CodeStaging        = "staging_failed"
	CodeHandoff        = "handoff_failed"
)

// TaskError is one failure recorded against a task.
type TaskError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TaskSnapshot is a copy of a task that is safe to read without locks.
type TaskSnapshot struct {
	TemplateID       string      `json:"template_id"`
	Status           Status      `json:"status"`
	Optional         bool        `json:"optional,omitempty"`
	Artifact         *Artifact   `json:"artifact,omitempty"`
	ContentHash      string      `json:"content_hash,omitempty"`
	StagingPath      string      `json:"staging_path,omitempty"`
	Errors           []TaskError `json:"errors,omitempty"`
	HandoffsReceived []string    `json:"handoffs_received,omitempty"`
	HandoffsMissing  []string    `json:"handoffs_missing,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Task is one template's generation within a batch. The terminal
// transition is write-once.
type Task struct {
	mu   sync.RWMutex
	snap TaskSnapshot
	done func()
}

func newTask(templateID string, optional bool, done func()) *Task {
	return &Task{
		snap: TaskSnapshot{TemplateID: templateID, Status: StatusPending, Optional: optional},
		done: done,
	}
}

// TemplateID is immutable and safe to read without the lock.
func (t *Task) TemplateID() string { return t.snap.TemplateID }

// Snapshot returns a deep copy of the task.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.Clone()
}

// Clone returns a deep copy.
func (s TaskSnapshot) Clone() TaskSnapshot {
	out := s
	out.Artifact = s.Artifact.Clone()
	out.Errors = append([]TaskError(nil), s.Errors...)
	out.HandoffsReceived = append([]string(nil), s.HandoffsReceived...)
	out.HandoffsMissing = append([]string(nil), s.HandoffsMissing...)
	if s.StartedAt != nil {
		v := *s.StartedAt
		out.StartedAt = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

// start moves a pending task to running. It returns false if the task is
// already past pending.
func (t *Task) start(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.Status != StatusPending {
		return false
	}
	t.snap.Status = StatusRunning
	t.snap.StartedAt = &now
	return true
}

func (t *Task) setHandoffs(received, missing []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.HandoffsReceived = received
	t.snap.HandoffsMissing = missing
}

func (t *Task) addError(code, msg string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Errors = append(t.snap.Errors, TaskError{Code: code, Message: msg, At: at})
}

// succeed records the artifact. Only the first terminal transition wins.
func (t *Task) succeed(a *Artifact, hash, stagingPath string, at time.Time) bool {
	t.mu.Lock()
	if t.snap.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.snap.Status = StatusSucceeded
	t.snap.Artifact = a
	t.snap.ContentHash = hash
	t.snap.StagingPath = stagingPath
	t.snap.CompletedAt = &at
	t.mu.Unlock()
	t.done()
	return true
}

// fail records a failure. Only the first terminal transition wins.
func (t *Task) fail(code, msg string, at time.Time) bool {
	t.mu.Lock()
	if t.snap.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.snap.Status = StatusFailed
	t.snap.Errors = append(t.snap.Errors, TaskError{Code: code, Message: msg, At: at})
	t.snap.CompletedAt = &at
	t.mu.Unlock()
	t.done()
	return true
}
