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

const vendorKIE = "kie"

// KIE talks to the kie.ai API: image models through the generic jobs
// endpoints, Veo video models through the dedicated veo endpoints.
type KIE struct {
	baseURL    string
	apiKey     string
	imageModel string
	http       *http.Client
}

func NewKIE(baseURL, apiKey, imageModel string, timeout time.Duration) *KIE {
	return &KIE{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		imageModel: imageModel,
		http:       newHTTPClient(timeout),
	}
}

type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type kieTaskRef struct {
	TaskID string `json:"taskId"`
}

type kieJobRecord struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailMsg    string `json:"failMsg"`
}

type kieVeoRecord struct {
	TaskID       string `json:"taskId"`
	SuccessFlag  int    `json:"successFlag"`
	ErrorMessage string `json:"errorMessage"`
	Response     struct {
		ResultURLs []string `json:"resultUrls"`
	} `json:"response"`
	Info struct {
		ResultURLs []string `json:"resultUrls"`
	} `json:"info"`
}

func (k *KIE) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + k.apiKey}
}

func (k *KIE) Submit(ctx context.Context, req Request) (string, error) {
	var (
		path string
		body map[string]interface{}
	)
	switch req.Kind {
	case KindImage:
		model := req.Model
		if model == "" {
			model = k.imageModel
		}
		path = "/api/v1/jobs/createTask"
		body = map[string]interface{}{
			"model":       model,
			"callBackUrl": req.CallbackURL,
			"input": map[string]interface{}{
				"prompt":        req.Prompt,
				"image_urls":    req.ImageURLs,
				"image_size":    req.AspectRatio,
				"output_format": "png",
			},
		}
	case KindVideo:
		path = "/api/v1/veo/generate"
		body = map[string]interface{}{
			"prompt":      req.Prompt,
			"imageUrls":   req.ImageURLs,
			"model":       req.Model,
			"aspectRatio": req.AspectRatio,
			"callBackUrl": req.CallbackURL,
		}
	default:
		return "", &SubmissionError{Vendor: vendorKIE, Reason: fmt.Sprintf("unsupported task kind %q", req.Kind)}
	}

	var envelope kieEnvelope
	if err := doJSON(ctx, k.http, http.MethodPost, k.baseURL+path, k.headers(), body, &envelope); err != nil {
		metrics.VendorRequests.WithLabelValues(vendorKIE, "submit", "error").Inc()
		if IsTransient(err) {
			return "", err
		}
		return "", &SubmissionError{Vendor: vendorKIE, Reason: err.Error()}
	}
	if envelope.Code != http.StatusOK {
		metrics.VendorRequests.WithLabelValues(vendorKIE, "submit", "rejected").Inc()
		if envelope.Code == http.StatusTooManyRequests || envelope.Code >= 500 {
			return "", transientf("kie submit code %d: %s", envelope.Code, envelope.Msg)
		}
		return "", &SubmissionError{Vendor: vendorKIE, Reason: fmt.Sprintf("code %d: %s", envelope.Code, envelope.Msg)}
	}

	var ref kieTaskRef
	if err := json.Unmarshal(envelope.Data, &ref); err != nil || ref.TaskID == "" {
		return "", &SubmissionError{Vendor: vendorKIE, Reason: "response carried no task id"}
	}
	metrics.VendorRequests.WithLabelValues(vendorKIE, "submit", "ok").Inc()
	return ref.TaskID, nil
}

func (k *KIE) Poll(ctx context.Context, kind Kind, taskID string) (*Status, error) {
	var path string
	switch kind {
	case KindImage:
		path = "/api/v1/jobs/recordInfo"
	case KindVideo:
		path = "/api/v1/veo/record-info"
	default:
		return nil, fmt.Errorf("kie cannot poll task kind %q", kind)
	}

	var envelope kieEnvelope
	endpoint := k.baseURL + path + "?taskId=" + url.QueryEscape(taskID)
	if err := doJSON(ctx, k.http, http.MethodGet, endpoint, k.headers(), nil, &envelope); err != nil {
		metrics.VendorRequests.WithLabelValues(vendorKIE, "poll", "error").Inc()
		return nil, err
	}
	if envelope.Code != http.StatusOK {
		metrics.VendorRequests.WithLabelValues(vendorKIE, "poll", "error").Inc()
		return nil, transientf("kie poll code %d: %s", envelope.Code, envelope.Msg)
	}
	metrics.VendorRequests.WithLabelValues(vendorKIE, "poll", "ok").Inc()

	if kind == KindImage {
		var record kieJobRecord
		if err := json.Unmarshal(envelope.Data, &record); err != nil {
			return nil, fmt.Errorf("decode kie job record: %w", err)
		}
		return jobStatus(taskID, record)
	}

	var record kieVeoRecord
	if err := json.Unmarshal(envelope.Data, &record); err != nil {
		return nil, fmt.Errorf("decode kie veo record: %w", err)
	}
	return veoStatus(taskID, record, http.StatusOK), nil
}

// ParseCallback accepts both the jobs and the veo callback shapes.
func (k *KIE) ParseCallback(body []byte) (*Status, error) {
	var envelope kieEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode kie callback: %w", err)
	}

	var head struct {
		TaskID string `json:"taskId"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal(envelope.Data, &head); err != nil || head.TaskID == "" {
		return nil, fmt.Errorf("kie callback carried no task id")
	}

	if head.State != "" {
		var record kieJobRecord
		if err := json.Unmarshal(envelope.Data, &record); err != nil {
			return nil, fmt.Errorf("decode kie job callback: %w", err)
		}
		return jobStatus(head.TaskID, record)
	}

	var record kieVeoRecord
	if err := json.Unmarshal(envelope.Data, &record); err != nil {
		return nil, fmt.Errorf("decode kie veo callback: %w", err)
	}
	if envelope.Code == http.StatusOK {
		record.SuccessFlag = 1
	} else if record.ErrorMessage == "" {
		record.ErrorMessage = envelope.Msg
	}
	return veoStatus(head.TaskID, record, envelope.Code), nil
}

// Balance returns the remaining account credits.
func (k *KIE) Balance(ctx context.Context) (int, error) {
	var envelope kieEnvelope
	if err := doJSON(ctx, k.http, http.MethodGet, k.baseURL+"/api/v1/chat/credit", k.headers(), nil, &envelope); err != nil {
		return 0, err
	}
	if envelope.Code != http.StatusOK {
		return 0, fmt.Errorf("kie credit code %d: %s", envelope.Code, envelope.Msg)
	}
	var balance float64
	if err := json.Unmarshal(envelope.Data, &balance); err != nil {
		return 0, fmt.Errorf("decode kie credit: %w", err)
	}
	return int(balance), nil
}

func jobStatus(taskID string, record kieJobRecord) (*Status, error) {
	status := &Status{TaskID: taskID}
	switch record.State {
	case "waiting", "queuing", "":
		status.State = StatePending
	case "generating":
		status.State = StateRunning
	case "success":
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if record.ResultJSON != "" {
			if err := json.Unmarshal([]byte(record.ResultJSON), &result); err != nil {
				return nil, fmt.Errorf("decode kie result: %w", err)
			}
		}
		if len(result.ResultURLs) == 0 {
			status.State = StateFailed
			status.ErrorDetail = "task succeeded without a result url"
			return status, nil
		}
		status.State = StateSucceeded
		status.ResultURLs = result.ResultURLs
		status.ResultURL = result.ResultURLs[0]
	case "fail":
		status.State = StateFailed
		status.ErrorDetail = record.FailMsg
		if status.ErrorDetail == "" {
			status.ErrorDetail = "vendor reported failure"
		}
	default:
		status.State = StateRunning
	}
	return status, nil
}

func veoStatus(taskID string, record kieVeoRecord, code int) *Status {
	status := &Status{TaskID: taskID}
	urls := record.Response.ResultURLs
	if len(urls) == 0 {
		urls = record.Info.ResultURLs
	}

	switch {
	case code != http.StatusOK:
		status.State = StateFailed
		status.ErrorDetail = record.ErrorMessage
	case record.SuccessFlag == 0:
		status.State = StateRunning
	case record.SuccessFlag == 1 && len(urls) > 0:
		status.State = StateSucceeded
		status.ResultURLs = urls
		status.ResultURL = urls[0]
	case record.SuccessFlag == 1:
		status.State = StateFailed
		status.ErrorDetail = "task succeeded without a result url"
	default:
		status.State = StateFailed
		status.ErrorDetail = record.ErrorMessage
	}
	if status.State == StateFailed && status.ErrorDetail == "" {
		status.ErrorDetail = "vendor reported failure"
	}
	return status
}
