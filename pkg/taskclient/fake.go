package taskclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake is an in-memory vendor. Tests drive task outcomes explicitly; with
// AutoComplete set (sandbox mode) every task succeeds on its first poll.
type Fake struct {
	mu           sync.Mutex
	seq          int
	tasks        map[string]*fakeTask
	submitErrs   map[Kind][]error
	pollErrs     map[string]error
	autoComplete bool
}

type fakeTask struct {
	request Request
	status  Status
}

func NewFake(autoComplete bool) *Fake {
	return &Fake{
		tasks:        make(map[string]*fakeTask),
		submitErrs:   make(map[Kind][]error),
		pollErrs:     make(map[string]error),
		autoComplete: autoComplete,
	}
}

func (f *Fake) Submit(ctx context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if queued := f.submitErrs[req.Kind]; len(queued) > 0 {
		f.submitErrs[req.Kind] = queued[1:]
		return "", queued[0]
	}

	f.seq++
	taskID := fmt.Sprintf("fake-%s-%d", req.Kind, f.seq)
	f.tasks[taskID] = &fakeTask{
		request: req,
		status:  Status{TaskID: taskID, State: StatePending},
	}
	return taskID, nil
}

func (f *Fake) Poll(ctx context.Context, kind Kind, taskID string) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.pollErrs[taskID]; ok {
		delete(f.pollErrs, taskID)
		return nil, err
	}

	task, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", taskID)
	}
	if f.autoComplete && !task.status.State.Terminal() {
		url := fmt.Sprintf("https://sandbox.adflow.local/%s/%s", task.request.Kind, taskID)
		task.status = Status{TaskID: taskID, State: StateSucceeded, ResultURL: url, ResultURLs: []string{url}}
	}
	status := task.status
	return &status, nil
}

// ParseCallback decodes a Status serialized as JSON.
func (f *Fake) ParseCallback(body []byte) (*Status, error) {
	var payload struct {
		TaskID    string `json:"task_id"`
		State     State  `json:"state"`
		ResultURL string `json:"result_url"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode sandbox callback: %w", err)
	}
	if payload.TaskID == "" {
		return nil, fmt.Errorf("sandbox callback carried no task id")
	}
	status := &Status{TaskID: payload.TaskID, State: payload.State, ResultURL: payload.ResultURL, ErrorDetail: payload.Error}
	if payload.ResultURL != "" {
		status.ResultURLs = []string{payload.ResultURL}
	}
	return status, nil
}

// Balance reports an effectively unlimited vendor account.
func (f *Fake) Balance(ctx context.Context) (int, error) {
	return 1 << 30, nil
}

// Complete marks a task succeeded with resultURL.
func (f *Fake) Complete(taskID, resultURL string) {
	f.setStatus(taskID, Status{TaskID: taskID, State: StateSucceeded, ResultURL: resultURL, ResultURLs: []string{resultURL}})
}

// Fail marks a task failed with detail.
func (f *Fake) Fail(taskID, detail string) {
	f.setStatus(taskID, Status{TaskID: taskID, State: StateFailed, ErrorDetail: detail})
}

// Start marks a task running.
func (f *Fake) Start(taskID string) {
	f.setStatus(taskID, Status{TaskID: taskID, State: StateRunning})
}

// FailNextSubmit queues err for the next submission of kind.
func (f *Fake) FailNextSubmit(kind Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs[kind] = append(f.submitErrs[kind], err)
}

// FailNextPoll makes the next poll of taskID return err.
func (f *Fake) FailNextPoll(taskID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErrs[taskID] = err
}

// Submissions returns the requests submitted for kind in order.
func (f *Fake) Submissions(kind Kind) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	var requests []Request
	for i := 1; i <= f.seq; i++ {
		id := fmt.Sprintf("fake-%s-%d", kind, i)
		if task, ok := f.tasks[id]; ok {
			requests = append(requests, task.request)
		}
	}
	return requests
}

// TaskIDs returns the ids submitted for kind in order.
func (f *Fake) TaskIDs(kind Kind) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for i := 1; i <= f.seq; i++ {
		id := fmt.Sprintf("fake-%s-%d", kind, i)
		if _, ok := f.tasks[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Fake) setStatus(taskID string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[taskID]; ok {
		task.status = status
	}
}
