package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hookrelay/internal/engine/payload"
	"hookrelay/internal/platform/config"
)

const (
	HeaderWebhookID = "X-Relay-Webhook-Id"
	HeaderAttempt   = "X-Relay-Attempt"
)

type ForwardRequest struct {
	URL           string
	Headers       map[string]string
	Body          []byte
	WebhookID     string
	Attempt       int
	SigningSecret *string
}

// Response is the outcome of one outbound request. Err is set for
// transport failures, in which case StatusCode is zero.
type Response struct {
	StatusCode  int
	Body        string
	Err         error
	TimedOut    bool
	StartedAt   time.Time
	CompletedAt time.Time
}

func (r *Response) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

type Forwarder struct {
	client    *http.Client
	limiter   *TargetLimiter
	timeout   time.Duration
	maxBody   int
	userAgent string
}

func NewForwarder(cfg config.DeliveryConfig, limiter *TargetLimiter) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			// redirects are reported as-is and retried, never followed
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:   limiter,
		timeout:   cfg.Timeout,
		maxBody:   cfg.MaxResponseBody,
		userAgent: cfg.UserAgent,
	}
}

// Forward POSTs the payload to the target. The returned error is non-nil
// only when no request could be attempted at all (parent context done
// while waiting for a target slot, or an unusable URL is reported via
// Response.Err instead).
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*Response, error) {
	release, err := f.limiter.Acquire(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("wait for target slot: %w", err)
	}
	defer release()

	reqCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	res := &Response{StartedAt: time.Now().UTC()}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		res.Err = err
		res.CompletedAt = time.Now().UTC()
		return res, nil
	}

	for _, name := range payload.HeaderNames(req.Headers) {
		if payload.IsHopByHop(name) {
			continue
		}
		httpReq.Header.Set(name, req.Headers[name])
	}
	if httpReq.Header.Get("User-Agent") == "" && f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set(HeaderWebhookID, req.WebhookID)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(req.Attempt))
	if req.SigningSecret != nil && *req.SigningSecret != "" {
		httpReq.Header.Set(SignatureHeader, "sha256="+Sign(*req.SigningSecret, req.Body))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		res.CompletedAt = time.Now().UTC()
		if ctx.Err() != nil {
			// shutting down, not the target's fault
			return nil, ctx.Err()
		}
		res.Err = err
		res.TimedOut = isTimeout(err)
		return res, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBody)))
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	res.StatusCode = resp.StatusCode
	res.Body = sanitizeBody(body)
	res.CompletedAt = time.Now().UTC()
	return res, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sanitizeBody makes a truncated response storable as text: invalid UTF-8
// and NUL bytes are dropped so the result never grows past its input.
func sanitizeBody(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	return strings.ReplaceAll(s, "\x00", "")
}
