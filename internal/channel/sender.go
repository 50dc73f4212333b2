package channel

import (
	"context"
	"errors"
	"net/http"

	"go-relay/pkg/models"
)

var (
	ErrUnknownChannel     = errors.New("unknown channel")
	ErrInvalidDestination = errors.New("invalid destination address")
)

// Outcome of a delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result reports what happened to a single Send call.
type Result struct {
	Outcome Outcome
	// ProviderID is the message id assigned by the external system, if any.
	ProviderID string
	Err        error
}

func Success(providerID string) Result {
	return Result{Outcome: Delivered, ProviderID: providerID}
}

func Transient(err error) Result {
	return Result{Outcome: TransientFailure, Err: err}
}

func Permanent(err error) Result {
	return Result{Outcome: PermanentFailure, Err: err}
}

// Sender delivers a reply body to a destination address on one channel.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, destination, body string) Result
}

// fromHTTPStatus maps a provider HTTP status to a result: 429 and 5xx are
// worth retrying, other 4xx are not.
func fromHTTPStatus(status int, err error) Result {
	switch {
	case status == http.StatusTooManyRequests, status >= 500, status == 0:
		return Transient(err)
	case status >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
