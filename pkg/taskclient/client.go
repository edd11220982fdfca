// Package taskclient submits long-running generation tasks to external
// vendors and observes their progress.
package taskclient

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindImage     Kind = "image"
	KindVideo     Kind = "video"
	KindMerge     Kind = "merge"
	KindWatermark Kind = "watermark"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Request describes one vendor task. Fields a kind does not use are ignored.
type Request struct {
	Kind        Kind
	Model       string
	Prompt      string
	ImageURLs   []string
	VideoURLs   []string
	AspectRatio string
	CallbackURL string
}

type Status struct {
	TaskID      string
	State       State
	ResultURL   string
	ResultURLs  []string
	ErrorDetail string
}

// Client is implemented by every vendor. Poll must be idempotent.
type Client interface {
	Submit(ctx context.Context, req Request) (string, error)
	Poll(ctx context.Context, kind Kind, taskID string) (*Status, error)
}

// CallbackParser turns a vendor webhook body into the same Status that a
// poll would have produced.
type CallbackParser interface {
	ParseCallback(body []byte) (*Status, error)
}

// BalanceChecker reports the remaining credits on a vendor account.
type BalanceChecker interface {
	Balance(ctx context.Context) (int, error)
}

// ErrTransient marks failures worth retrying: network errors, timeouts,
// rate limiting and vendor 5xx responses.
var ErrTransient = errors.New("transient vendor error")

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// SubmissionError is a permanent rejection of a task submission.
type SubmissionError struct {
	Vendor string
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s task submission failed: %s", e.Vendor, e.Reason)
}
