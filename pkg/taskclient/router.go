package taskclient

import (
	"context"
	"fmt"
)

// Router dispatches each task kind to the vendor that serves it.
type Router struct {
	routes map[Kind]Client
}

func NewRouter(routes map[Kind]Client) *Router {
	return &Router{routes: routes}
}

func (r *Router) client(kind Kind) (Client, error) {
	client, ok := r.routes[kind]
	if !ok {
		return nil, fmt.Errorf("no vendor configured for task kind %q", kind)
	}
	return client, nil
}

func (r *Router) Submit(ctx context.Context, req Request) (string, error) {
	client, err := r.client(req.Kind)
	if err != nil {
		return "", &SubmissionError{Vendor: "router", Reason: err.Error()}
	}
	return client.Submit(ctx, req)
}

func (r *Router) Poll(ctx context.Context, kind Kind, taskID string) (*Status, error) {
	client, err := r.client(kind)
	if err != nil {
		return nil, err
	}
	return client.Poll(ctx, kind, taskID)
}
