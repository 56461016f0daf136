// Package retry implements the Retry Classifier (spec §4.C6): it maps
// transient errors to categories and computes adaptive backoff delays.
// The exponential-backoff-plus-jitter shape is grounded on the
// teacher's internal/engine/retry.go Retrier, generalized here from a
// single binary retryable/not-retryable decision into the eight-way
// category taxonomy the spec requires.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kilimcininkoroglu/fetchengine/internal/fetcherrors"
)

// Category is one of the transient error categories from spec §4.C6.
type Category string

const (
	Timeout            Category = "timeout"
	ConnectionReset    Category = "connection_reset"
	ConnectionRefused  Category = "connection_refused"
	DNS                Category = "dns"
	NetworkChange      Category = "network_change"
	ServerOverload     Category = "server_overload"
	PipeBroken         Category = "pipe_broken"
	Unknown            Category = "unknown"
)

// Profile holds the backoff parameters for one category.
type Profile struct {
	BaseDelayMs   float64
	MaxDelayMs    float64
	GrowthFactor  float64
	JitterFactor  float64
}

// DefaultProfiles is the category -> profile table from spec §4.C6.
var DefaultProfiles = map[Category]Profile{
	Timeout:           {5000, 20000, 1.5, 0.2},
	ConnectionReset:   {10000, 60000, 2.0, 0.3},
	ConnectionRefused: {15000, 120000, 2.5, 0.3},
	DNS:               {10000, 60000, 2.0, 0.2},
	NetworkChange:     {3000, 15000, 1.5, 0.2},
	ServerOverload:    {30000, 300000, 2.0, 0.1},
	PipeBroken:        {5000, 30000, 2.0, 0.3},
	Unknown:           {1000, 30000, 2.0, 0.3},
}

// DefaultMaxRetryAfterSeconds bounds any parsed Retry-After header.
const DefaultMaxRetryAfterSeconds = 300

// Classifier classifies errors and computes retry delays.
type Classifier struct {
	Profiles            map[Category]Profile
	MaxRetryAfterSeconds int
	Rand                 *rand.Rand
}

// NewClassifier builds a Classifier with the spec's default profiles.
func NewClassifier() *Classifier {
	profiles := make(map[Category]Profile, len(DefaultProfiles))
	for k, v := range DefaultProfiles {
		profiles[k] = v
	}
	return &Classifier{
		Profiles:             profiles,
		MaxRetryAfterSeconds: DefaultMaxRetryAfterSeconds,
		Rand:                 rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Classify maps err to a Category following the ordered rule list in
// spec §4.C6: by error code first, then by message substring, in a
// fixed priority order.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	if fe, ok := fetcherrors.As(err); ok {
		if fe.Kind == fetcherrors.KindHTTPStatus {
			switch fe.HTTPStatus {
			case 429, 503:
				return ServerOverload
			}
		}
		if fe.Code != "" {
			if c, ok := classifyCode(fe.Code); ok {
				return c
			}
		}
	}

	msg := strings.ToLower(err.Error())

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	switch {
	case strings.Contains(msg, "etimedout") || strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "network-changed") || strings.Contains(msg, "internet-disconnected") || strings.Contains(msg, "network changed"):
		return NetworkChange
	case strings.Contains(msg, "econnreset") || strings.Contains(msg, "connection-closed") || strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "http2-ping-failed") || strings.Contains(msg, "http2-protocol-error") || strings.Contains(msg, "reset by peer"):
		return ConnectionReset
	case strings.Contains(msg, "econnrefused") || strings.Contains(msg, "enetunreach") || strings.Contains(msg, "ehostunreach") ||
		strings.Contains(msg, "connection refused"):
		return ConnectionRefused
	case strings.Contains(msg, "enotfound") || strings.Contains(msg, "eai_again") || strings.Contains(msg, "name-not-resolved") || strings.Contains(msg, "no such host"):
		return DNS
	case strings.Contains(msg, "epipe") || strings.Contains(msg, "broken pipe"):
		return PipeBroken
	case strings.Contains(msg, "429") || strings.Contains(msg, "503") || strings.Contains(msg, "overload"):
		return ServerOverload
	default:
		return Unknown
	}
}

func classifyCode(code string) (Category, bool) {
	switch code {
	case "ETIMEDOUT":
		return Timeout, true
	case "ECONNRESET":
		return ConnectionReset, true
	case "ECONNREFUSED", "ENETUNREACH", "EHOSTUNREACH":
		return ConnectionRefused, true
	case "ENOTFOUND", "EAI_AGAIN":
		return DNS, true
	case "EPIPE":
		return PipeBroken, true
	}
	return Unknown, false
}

// IsTransient reports whether err belongs to a retryable category.
// Non-transient HTTP errors (4xx other than 408/429) are never
// transient per spec §4.C6.
func IsTransient(err error) bool {
	if fe, ok := fetcherrors.As(err); ok && fe.Kind == fetcherrors.KindHTTPStatus {
		switch fe.HTTPStatus {
		case 408, 429, 503:
			return true
		default:
			return false
		}
	}
	return Classify(err) != Unknown
}

// ComputeDelay implements spec §4.C6 computeDelay: prefer a parsed
// Retry-After, else use the category profile's exponential backoff
// with uniform jitter, clamped at MaxDelayMs.
func (c *Classifier) ComputeDelay(retryCount int, err error) time.Duration {
	if fe, ok := fetcherrors.As(err); ok && fe.RetryAfterMs > 0 {
		return time.Duration(fe.RetryAfterMs) * time.Millisecond
	}

	cat := Classify(err)
	profile, ok := c.Profiles[cat]
	if !ok {
		profile = c.Profiles[Unknown]
	}

	delay := profile.BaseDelayMs * math.Pow(profile.GrowthFactor, float64(retryCount))
	if delay > profile.MaxDelayMs {
		delay = profile.MaxDelayMs
	}
	jitter := delay * profile.JitterFactor * c.randFloat()
	delay += jitter
	if delay > profile.MaxDelayMs {
		delay = profile.MaxDelayMs
	}
	return time.Duration(delay) * time.Millisecond
}

func (c *Classifier) randFloat() float64 {
	if c.Rand == nil {
		return rand.Float64()
	}
	return c.Rand.Float64()
}

// ParseRetryAfter parses a Retry-After header value (seconds or
// HTTP-date) into milliseconds, clamped to maxSeconds. A negative or
// unparseable value yields (0, false) so callers fall back to the
// category profile.
func ParseRetryAfter(value string, maxSeconds int) (ms int64, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > maxSeconds {
			secs = maxSeconds
		}
		return int64(secs) * 1000, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0, false
		}
		if d > time.Duration(maxSeconds)*time.Second {
			d = time.Duration(maxSeconds) * time.Second
		}
		return d.Milliseconds(), true
	}
	return 0, false
}
