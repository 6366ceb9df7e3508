package retry

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"hookrelay/internal/platform/config"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
	BackoffFixed       BackoffType = "fixed"
)

// Bounds enforced on every stored policy.
const (
	MinAttempts       = 1
	MaxAttempts       = 10
	MinInitialDelayMs = 100
	MaxInitialDelayMs = 60000
	MinMaxDelayMs     = 1000
	MaxMaxDelayMs     = 3600000

	jitterFactor = 0.3
)

// Policy is an integration's retry policy. It is stored as a JSON object
// in integrations.retry_policy.
type Policy struct {
	MaxAttempts    int         `json:"maxAttempts"`
	BackoffType    BackoffType `json:"backoffType"`
	InitialDelayMs int         `json:"initialDelayMs"`
	MaxDelayMs     int         `json:"maxDelayMs"`
}

// SchemaDefault is the policy given to integrations created without one.
func SchemaDefault() Policy {
	return Policy{
		MaxAttempts:    5,
		BackoffType:    BackoffExponential,
		InitialDelayMs: 1000,
		MaxDelayMs:     3600000,
	}
}

// DeliveryDefault is the process-wide fallback used by the worker when an
// integration's stored policy is missing or does not parse.
func DeliveryDefault() Policy {
	return Policy{
		MaxAttempts:    5,
		BackoffType:    BackoffExponential,
		InitialDelayMs: 1000,
		MaxDelayMs:     16000,
	}
}

// FromConfig builds the process-wide fallback policy. An out-of-bounds
// configuration is reported and DeliveryDefault is used instead.
func FromConfig(cfg config.RetryConfig) (Policy, error) {
	p := Policy{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffType:    BackoffType(cfg.BackoffType),
		InitialDelayMs: cfg.InitialDelayMs,
		MaxDelayMs:     cfg.MaxDelayMs,
	}
	if err := p.Validate(); err != nil {
		return DeliveryDefault(), fmt.Errorf("invalid retry config: %w", err)
	}
	return p, nil
}

func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Required, validation.Min(MinAttempts), validation.Max(MaxAttempts)),
		validation.Field(&p.BackoffType, validation.Required, validation.In(BackoffExponential, BackoffLinear, BackoffFixed)),
		validation.Field(&p.InitialDelayMs, validation.Required, validation.Min(MinInitialDelayMs), validation.Max(MaxInitialDelayMs)),
		validation.Field(&p.MaxDelayMs, validation.Required, validation.Min(MinMaxDelayMs), validation.Max(MaxMaxDelayMs)),
	)
}

// Value implements driver.Valuer.
func (p Policy) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner. Missing fields take schema defaults; an
// unreadable value is an error so callers can fall back explicitly.
func (p *Policy) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		return errors.New("retry policy is null")
	default:
		return fmt.Errorf("unsupported retry policy type %T", value)
	}
	decoded, err := decode(raw)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

func decode(raw []byte) (Policy, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return Policy{}, errors.New("retry policy is empty")
	}
	p := SchemaDefault()
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("decode retry policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid retry policy: %w", err)
	}
	return p, nil
}

// Parse decodes a stored policy, returning fallback when raw is empty,
// malformed or out of bounds.
func Parse(raw string, fallback Policy) Policy {
	p, err := decode([]byte(raw))
	if err != nil {
		return fallback
	}
	return p
}

// ShouldRetry reports whether a retryable outcome of attempt may be
// followed by another attempt.
func ShouldRetry(attempt int, p Policy) bool {
	return attempt < p.MaxAttempts
}

// Base is the un-jittered delay in milliseconds before the given attempt.
func Base(attempt int, p Policy) float64 {
	if attempt < 1 {
		attempt = 1
	}
	initial := float64(p.InitialDelayMs)
	maxDelay := float64(p.MaxDelayMs)

	var base float64
	switch p.BackoffType {
	case BackoffLinear:
		base = math.Min(initial*float64(attempt), maxDelay)
	case BackoffFixed:
		base = initial
	default:
		base = math.Min(initial*math.Pow(2, float64(attempt-1)), maxDelay)
	}
	return base
}

// Delay returns the jittered wait before attempt. rnd yields values in
// [0,1); nil uses math/rand/v2.
func Delay(attempt int, p Policy, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	base := Base(attempt, p)

	// uniform in [base*(1-j), base*(1+j)]
	ms := base * (1 - jitterFactor + 2*jitterFactor*rnd())
	ms = math.Max(ms, 0)
	ms = math.Min(ms, float64(p.MaxDelayMs))

	return time.Duration(ms * float64(time.Millisecond))
}
