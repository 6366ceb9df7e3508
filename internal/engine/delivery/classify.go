package delivery

import (
	"fmt"
	"net/http"
	"time"
)

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetryable Outcome = "retryable"
)

// Classify maps a transport result to a delivery outcome. Any transport
// error is retryable, 2xx is delivered, 4xx is a permanent failure and
// everything else is retried.
func Classify(statusCode int, transportErr error) Outcome {
	if transportErr != nil {
		return OutcomeRetryable
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeDelivered
	case statusCode >= 400 && statusCode < 500:
		return OutcomeFailed
	default:
		return OutcomeRetryable
	}
}

// ErrorMessage describes a non-delivered result for the attempt record.
func ErrorMessage(res *Response, timeout time.Duration) *string {
	var msg string
	switch {
	case res.TimedOut:
		msg = fmt.Sprintf("request timed out after %s", timeout)
	case res.Err != nil:
		msg = res.Err.Error()
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode >= 400 && res.StatusCode < 600:
		msg = fmt.Sprintf("HTTP %d %s", res.StatusCode, http.StatusText(res.StatusCode))
	default:
		msg = fmt.Sprintf("unexpected status %d", res.StatusCode)
	}
	return &msg
}

// recordedOutcome re-derives the outcome of an attempt that was already
// written.
func recordedOutcome(statusCode *int) Outcome {
	if statusCode == nil {
		return OutcomeRetryable
	}
	return Classify(*statusCode, nil)
}
