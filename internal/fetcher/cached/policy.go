package cached

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/JakeFAU/market-crawler/internal/crawler"
)

// Outcome classifies a single fetch attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeTerminal  Outcome = "terminal"
)

// retryableStatus lists statuses that signal throttling or a transient
// block rather than a real answer.
var retryableStatus = map[int]struct{}{
	http.StatusForbidden:          {},
	http.StatusTooManyRequests:    {},
	http.StatusServiceUnavailable: {},
}

// timeoutReporter is implemented by clients whose timeouts are not net.Errors.
type timeoutReporter interface {
	Timeout(err error) bool
}

// retryPolicy decides what an attempt's result means for the retry loop.
type retryPolicy struct {
	maxRetries int
	detector   crawler.ChallengeDetector
	client     crawler.FetchClient
}

// classify returns the outcome and a short reason usable as a metric label.
// attempt is 0-based.
func (p retryPolicy) classify(ctx context.Context, resp crawler.FetchResponse, err error, attempt int) (Outcome, string) {
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrBlocked):
			return OutcomeTerminal, "blocked"
		case ctx.Err() != nil:
			return OutcomeTerminal, "canceled"
		case p.isTimeout(err):
			return OutcomeRetryable, "timeout"
		case attempt < p.maxRetries-1:
			return OutcomeRetryable, "network"
		default:
			return OutcomeTerminal, "network"
		}
	}

	status := resp.StatusCode
	if _, ok := retryableStatus[status]; ok {
		return OutcomeRetryable, fmt.Sprintf("status_%d", status)
	}
	if status < 200 || status > 299 {
		return OutcomeTerminal, fmt.Sprintf("status_%d", status)
	}
	if p.detector != nil && p.detector.IsChallenge(resp.Body) {
		return OutcomeRetryable, "challenge"
	}
	return OutcomeSuccess, "ok"
}

func (p retryPolicy) isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if tr, ok := p.client.(timeoutReporter); ok {
		return tr.Timeout(err)
	}
	return false
}
