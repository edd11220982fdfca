package taskclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adflow/adflow/pkg/metrics"
)

const vendorFal = "fal"

// Fal uses the fal.ai queue API for video post-processing: segment merging
// and watermark removal.
type Fal struct {
	baseURL string
	apiKey  string
	models  map[Kind]string
	http    *http.Client
}

func NewFal(baseURL, apiKey, mergeModel, watermarkModel string, timeout time.Duration) *Fal {
	return &Fal{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		models: map[Kind]string{
			KindMerge:     mergeModel,
			KindWatermark: watermarkModel,
		},
		http: newHTTPClient(timeout),
	}
}

type falQueueResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type falResult struct {
	Video struct {
		URL string `json:"url"`
	} `json:"video"`
	Detail interface{} `json:"detail"`
}

type falWebhook struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Payload   falResult `json:"payload"`
	Error     string    `json:"error"`
}

func (f *Fal) headers() map[string]string {
	return map[string]string{"Authorization": "Key " + f.apiKey}
}

func (f *Fal) model(kind Kind) (string, error) {
	model, ok := f.models[kind]
	if !ok || model == "" {
		return "", fmt.Errorf("fal has no model for task kind %q", kind)
	}
	return model, nil
}

func (f *Fal) Submit(ctx context.Context, req Request) (string, error) {
	model, err := f.model(req.Kind)
	if err != nil {
		return "", &SubmissionError{Vendor: vendorFal, Reason: err.Error()}
	}

	var body map[string]interface{}
	switch req.Kind {
	case KindMerge:
		if len(req.VideoURLs) < 2 {
			return "", &SubmissionError{Vendor: vendorFal, Reason: "merge needs at least two videos"}
		}
		body = map[string]interface{}{"video_urls": req.VideoURLs}
	case KindWatermark:
		if len(req.VideoURLs) != 1 {
			return "", &SubmissionError{Vendor: vendorFal, Reason: "watermark removal needs exactly one video"}
		}
		body = map[string]interface{}{"video_url": req.VideoURLs[0]}
	}

	endpoint := f.baseURL + "/" + model
	if req.CallbackURL != "" {
		endpoint += "?fal_webhook=" + url.QueryEscape(req.CallbackURL)
	}

	var resp falQueueResponse
	if err := doJSON(ctx, f.http, http.MethodPost, endpoint, f.headers(), body, &resp); err != nil {
		metrics.VendorRequests.WithLabelValues(vendorFal, "submit", "error").Inc()
		if IsTransient(err) {
			return "", err
		}
		return "", &SubmissionError{Vendor: vendorFal, Reason: err.Error()}
	}
	if resp.RequestID == "" {
		metrics.VendorRequests.WithLabelValues(vendorFal, "submit", "rejected").Inc()
		return "", &SubmissionError{Vendor: vendorFal, Reason: "response carried no request id"}
	}
	metrics.VendorRequests.WithLabelValues(vendorFal, "submit", "ok").Inc()
	return resp.RequestID, nil
}

func (f *Fal) Poll(ctx context.Context, kind Kind, taskID string) (*Status, error) {
	model, err := f.model(kind)
	if err != nil {
		return nil, err
	}
	base := f.baseURL + "/" + model + "/requests/" + url.PathEscape(taskID)

	var queue falQueueResponse
	if err := doJSON(ctx, f.http, http.MethodGet, base+"/status", f.headers(), nil, &queue); err != nil {
		metrics.VendorRequests.WithLabelValues(vendorFal, "poll", "error").Inc()
		return nil, err
	}
	metrics.VendorRequests.WithLabelValues(vendorFal, "poll", "ok").Inc()

	switch queue.Status {
	case "IN_QUEUE":
		return &Status{TaskID: taskID, State: StatePending}, nil
	case "IN_PROGRESS":
		return &Status{TaskID: taskID, State: StateRunning}, nil
	case "COMPLETED":
	default:
		return &Status{TaskID: taskID, State: StateRunning}, nil
	}

	var result falResult
	if err := doJSON(ctx, f.http, http.MethodGet, base, f.headers(), nil, &result); err != nil {
		if httpErr, ok := err.(*HTTPError); ok {
			return &Status{TaskID: taskID, State: StateFailed, ErrorDetail: httpErr.Body}, nil
		}
		return nil, err
	}
	return resultStatus(taskID, result), nil
}

func (f *Fal) ParseCallback(body []byte) (*Status, error) {
	var hook falWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("decode fal callback: %w", err)
	}
	if hook.RequestID == "" {
		return nil, fmt.Errorf("fal callback carried no request id")
	}
	if hook.Status != "OK" {
		detail := hook.Error
		if detail == "" {
			detail = "vendor reported failure"
		}
		return &Status{TaskID: hook.RequestID, State: StateFailed, ErrorDetail: detail}, nil
	}
	return resultStatus(hook.RequestID, hook.Payload), nil
}

func resultStatus(taskID string, result falResult) *Status {
	if result.Video.URL == "" {
		detail := "task completed without a video"
		if result.Detail != nil {
			detail = fmt.Sprint(result.Detail)
		}
		return &Status{TaskID: taskID, State: StateFailed, ErrorDetail: detail}
	}
	return &Status{
		TaskID:     taskID,
		State:      StateSucceeded,
		ResultURL:  result.Video.URL,
		ResultURLs: []string{result.Video.URL},
	}
}
