package llm

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

// Fake answers completions without a network. JSON requests get a plan with
// as many scenes as the prompt asks for via a "scenes: N" marker; text
// requests echo a product description.
type Fake struct {
	mu    sync.Mutex
	calls []CompletionRequest
	errs  []error
}

func NewFake() *Fake {
	return &Fake{}
}

// FailNext queues err for the next completion.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *Fake) Calls() []CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CompletionRequest(nil), f.calls...)
}

func (f *Fake) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return "", err
	}
	f.mu.Unlock()

	if !req.JSON {
		return "A studio photo of the product on a neutral background.", nil
	}

	scenes := sceneCount(req.Prompt)
	plan := map[string]interface{}{
		"image_prompt": "Hero shot of the product in warm light",
		"video_prompt": "Slow orbit around the product",
	}
	if scenes > 0 {
		list := make([]string, scenes)
		for i := range list {
			list[i] = "Scene " + strconv.Itoa(i+1) + ": the character presents the product"
		}
		plan["scenes"] = list
	}
	data, _ := json.Marshal(plan)
	return string(data), nil
}

func sceneCount(prompt string) int {
	idx := strings.Index(prompt, "scenes: ")
	if idx < 0 {
		return 0
	}
	rest := prompt[idx+len("scenes: "):]
	n := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
