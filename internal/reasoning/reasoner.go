package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-relay/pkg/models"
)

// ErrEmptyResponse is returned when the backend answers without text.
var ErrEmptyResponse = errors.New("reasoner returned an empty response")

// Response is the text produced for an inbound envelope.
type Response struct {
	Body  string
	Model string
}

// Reasoner turns an inbound message into a reply. Implementations should
// return when ctx ends; the worker stops waiting for them at that point.
type Reasoner interface {
	Invoke(ctx context.Context, env models.Envelope) (Response, error)
}

// Func adapts a plain function to Reasoner.
type Func func(ctx context.Context, env models.Envelope) (Response, error)

func (f Func) Invoke(ctx context.Context, env models.Envelope) (Response, error) {
	return f(ctx, env)
}

// EchoReasoner replies with the inbound body behind a fixed prefix. It lets
// the pipeline run end to end without a model backend.
type EchoReasoner struct {
	Prefix string
}

func (e EchoReasoner) Invoke(ctx context.Context, env models.Envelope) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	body := strings.TrimSpace(env.Body)
	if body == "" {
		return Response{}, ErrEmptyResponse
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo: "
	}
	return Response{Body: fmt.Sprintf("%s%s", prefix, body), Model: "echo"}, nil
}
