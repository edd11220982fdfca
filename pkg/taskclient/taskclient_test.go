package taskclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestKIESubmitAndPollVideo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/api/v1/veo/generate":
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["model"] != "veo3_fast" {
				t.Errorf("expected veo3_fast model, got %v", body["model"])
			}
			_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"veo_1"}}`))
		case "/api/v1/veo/record-info":
			if r.URL.Query().Get("taskId") != "veo_1" {
				t.Errorf("unexpected task id %q", r.URL.Query().Get("taskId"))
			}
			_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"veo_1","successFlag":1,"response":{"resultUrls":["https://cdn.example.com/v.mp4"]}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewKIE(server.URL, "secret", "gpt4o-image", time.Second)
	taskID, err := client.Submit(context.Background(), Request{Kind: KindVideo, Model: "veo3_fast", Prompt: "spin"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if taskID != "veo_1" {
		t.Fatalf("expected veo_1, got %q", taskID)
	}

	status, err := client.Poll(context.Background(), KindVideo, taskID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.State != StateSucceeded || status.ResultURL != "https://cdn.example.com/v.mp4" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestKIEPollImageStates(t *testing.T) {
	cases := []struct {
		data  string
		state State
	}{
		{`{"taskId":"img","state":"queuing"}`, StatePending},
		{`{"taskId":"img","state":"generating"}`, StateRunning},
		{`{"taskId":"img","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn.example.com/i.png\"]}"}`, StateSucceeded},
		{`{"taskId":"img","state":"fail","failMsg":"nsfw"}`, StateFailed},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"data":` + tc.data + `}`))
		}))
		client := NewKIE(server.URL, "secret", "gpt4o-image", time.Second)
		status, err := client.Poll(context.Background(), KindImage, "img")
		server.Close()
		if err != nil {
			t.Fatalf("poll %s: %v", tc.data, err)
		}
		if status.State != tc.state {
			t.Fatalf("expected %s for %s, got %s", tc.state, tc.data, status.State)
		}
	}
}

func TestKIESubmitRejectedIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":422,"msg":"prompt rejected"}`))
	}))
	defer server.Close()

	client := NewKIE(server.URL, "secret", "gpt4o-image", time.Second)
	_, err := client.Submit(context.Background(), Request{Kind: KindImage, Prompt: "x"})

	var submitErr *SubmissionError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("expected permanent error")
	}
}

func TestKIEParseCallback(t *testing.T) {
	client := NewKIE("http://unused", "", "", time.Second)

	status, err := client.ParseCallback([]byte(`{"code":200,"msg":"ok","data":{"taskId":"veo_9","info":{"resultUrls":["https://cdn.example.com/9.mp4"]}}}`))
	if err != nil {
		t.Fatalf("parse veo callback: %v", err)
	}
	if status.TaskID != "veo_9" || status.State != StateSucceeded {
		t.Fatalf("unexpected veo callback status %+v", status)
	}

	status, err = client.ParseCallback([]byte(`{"code":501,"msg":"generation failed","data":{"taskId":"veo_10"}}`))
	if err != nil {
		t.Fatalf("parse failed callback: %v", err)
	}
	if status.State != StateFailed || status.ErrorDetail != "generation failed" {
		t.Fatalf("unexpected failed callback status %+v", status)
	}
}

func TestFalMergeLifecycle(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Key fal-key" {
			t.Errorf("expected fal key auth, got %q", r.Header.Get("Authorization"))
		}
		switch r.URL.Path {
		case "/fal-ai/merge":
			_, _ = w.Write([]byte(`{"request_id":"req_1","status":"IN_QUEUE"}`))
		case "/fal-ai/merge/requests/req_1/status":
			if atomic.AddInt32(&polls, 1) == 1 {
				_, _ = w.Write([]byte(`{"status":"IN_PROGRESS"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"COMPLETED"}`))
		case "/fal-ai/merge/requests/req_1":
			_, _ = w.Write([]byte(`{"video":{"url":"https://cdn.example.com/merged.mp4"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewFal(server.URL, "fal-key", "fal-ai/merge", "fal-ai/watermark", time.Second)
	taskID, err := client.Submit(context.Background(), Request{Kind: KindMerge, VideoURLs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	status, err := client.Poll(context.Background(), KindMerge, taskID)
	if err != nil || status.State != StateRunning {
		t.Fatalf("expected running, got %+v err=%v", status, err)
	}
	status, err = client.Poll(context.Background(), KindMerge, taskID)
	if err != nil || status.State != StateSucceeded || status.ResultURL != "https://cdn.example.com/merged.mp4" {
		t.Fatalf("expected merged video, got %+v err=%v", status, err)
	}
}

func TestFalRejectsSingleVideoMerge(t *testing.T) {
	client := NewFal("http://unused", "", "fal-ai/merge", "fal-ai/watermark", time.Second)
	_, err := client.Submit(context.Background(), Request{Kind: KindMerge, VideoURLs: []string{"a"}})
	var submitErr *SubmissionError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewKIE(server.URL, "secret", "", time.Second)
	if _, err := client.Poll(context.Background(), KindVideo, "x"); !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestRetryingRetriesTransientOnly(t *testing.T) {
	fake := NewFake(false)
	fake.FailNextSubmit(KindImage, transientf("connection reset"))
	fake.FailNextSubmit(KindImage, transientf("connection reset"))

	client := NewRetrying(fake, RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, zap.NewNop())
	taskID, err := client.Submit(context.Background(), Request{Kind: KindImage})
	if err != nil {
		t.Fatalf("expected third attempt to succeed, got %v", err)
	}
	if taskID == "" {
		t.Fatalf("expected task id")
	}

	fake.FailNextSubmit(KindImage, &SubmissionError{Vendor: "fake", Reason: "bad prompt"})
	fake.FailNextSubmit(KindImage, transientf("never reached"))
	_, err = client.Submit(context.Background(), Request{Kind: KindImage})
	var submitErr *SubmissionError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected permanent error without retry, got %v", err)
	}
	// the queued transient error proves the permanent one was not retried
	if _, err := fake.Submit(context.Background(), Request{Kind: KindImage}); !IsTransient(err) {
		t.Fatalf("expected queued transient error, got %v", err)
	}
}

func TestRetryingRecoversFromTransientPoll(t *testing.T) {
	fake := NewFake(false)
	taskID, _ := fake.Submit(context.Background(), Request{Kind: KindVideo})
	fake.FailNextPoll(taskID, transientf("timeout"))

	client := NewRetrying(fake, RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}, zap.NewNop())
	status, err := client.Poll(context.Background(), KindVideo, taskID)
	if err != nil {
		t.Fatalf("expected poll to recover, got %v", err)
	}
	if status.State != StatePending {
		t.Fatalf("expected pending, got %s", status.State)
	}
}

func TestRouterUnknownKind(t *testing.T) {
	router := NewRouter(map[Kind]Client{KindImage: NewFake(false)})
	_, err := router.Submit(context.Background(), Request{Kind: KindMerge})
	var submitErr *SubmissionError
	if !errors.As(err, &submitErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestFakeAutoComplete(t *testing.T) {
	fake := NewFake(true)
	taskID, _ := fake.Submit(context.Background(), Request{Kind: KindImage})
	status, err := fake.Poll(context.Background(), KindImage, taskID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.State != StateSucceeded || status.ResultURL == "" {
		t.Fatalf("expected sandbox success, got %+v", status)
	}
}
