package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/utils"
)

// ErrRetrievalFailed marks work that still failed after every retry.
var ErrRetrievalFailed = errors.New("retrieval failed")

// Stage names the kind of work a task performs.
type Stage string

const (
	// StageEmbed embeds a batch of corpus statements.
	StageEmbed Stage = "embed"
	// StageSearch embeds a requirement and searches the whole index.
	StageSearch Stage = "search"
	// StageRerank reranks one candidate's retrieved statements.
	StageRerank Stage = "rerank"
	// StageMatch embeds, searches and reranks for one candidate.
	StageMatch Stage = "match"
)

// WorkItem identifies a unit of work in failure and pending reports. An
// empty OwnerID on a search item means every candidate in scope.
type WorkItem struct {
	Stage       Stage  `json:"stage"`
	Requirement string `json:"requirement,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	Batch       int    `json:"batch,omitempty"`
}

func (w WorkItem) String() string {
	parts := []string{string(w.Stage)}
	if w.Requirement != "" {
		parts = append(parts, fmt.Sprintf("requirement=%q", w.Requirement))
	}
	if w.OwnerID != "" {
		parts = append(parts, "candidate="+w.OwnerID)
	}
	if w.Stage == StageEmbed {
		parts = append(parts, fmt.Sprintf("batch=%d", w.Batch))
	}
	return strings.Join(parts, " ")
}

// Failure is a work item that was given up on.
type Failure struct {
	Item     WorkItem `json:"item"`
	Attempts int      `json:"attempts"`
	// Permanent is set when the provider rejected the input; otherwise the
	// retry budget was exhausted and Err wraps ErrRetrievalFailed.
	Permanent bool  `json:"permanent"`
	Err       error `json:"-"`
}

// Message is the error text, for reports.
func (f Failure) Message() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Task is one retryable unit of work. Attempt counts the attempts already
// made and travels with the task when it is requeued.
type Task struct {
	Item    WorkItem
	Attempt int
	Run     func(ctx context.Context, w *Worker) error
}

// RetryPolicy bounds how transient provider failures are retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy makes three attempts with 0.5s and 1s pauses.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// Delay returns the pause before the retry that follows attempt number
// attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return utils.Backoff(attempt, p.InitialBackoff, p.MaxBackoff)
}
