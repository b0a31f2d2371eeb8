// Package resilience turns task failures into verdicts: it classifies errors, trips
// circuit breakers, computes retry backoff and routes exhausted jobs to dead letters.
package resilience

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

// Rule maps errors matching Match to Category. Rules are evaluated in order.
type Rule struct {
	Name     string
	Match    func(err error) bool
	Category apply.Category
}

// Classifier is an ordered list of rules. The first match wins.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns the default rules with extra rules inserted after the typed
// checks and before the message substring checks.
func NewClassifier(extra ...Rule) *Classifier {
	rules := make([]Rule, 0, len(typedRules)+len(extra)+len(substringRules))
	rules = append(rules, typedRules...)
	rules = append(rules, extra...)
	rules = append(rules, substringRules...)
	return &Classifier{rules: rules}
}

var defaultClassifier = NewClassifier()

// Classify uses the default rules.
func Classify(err error) apply.Category {
	return defaultClassifier.Classify(err)
}

// Classify returns the category of err. A category hint on an *apply.TaskError wins
// over every rule. nil and unmatched errors are UNKNOWN.
func (c *Classifier) Classify(err error) apply.Category {
	if err == nil {
		return apply.CategoryUnknown
	}
	if te, ok := asTaskError(err); ok && te.Category != "" {
		return te.Category
	}
	for _, r := range c.rules {
		if r.Match(err) {
			return r.Category
		}
	}
	return apply.CategoryUnknown
}

var typedRules = []Rule{
	{Name: "status 429", Category: apply.CategoryRateLimit, Match: statusIn(http.StatusTooManyRequests)},
	{Name: "status auth", Category: apply.CategoryAuth, Match: statusIn(http.StatusUnauthorized, http.StatusForbidden)},
	{Name: "status timeout", Category: apply.CategoryTimeout, Match: statusIn(http.StatusRequestTimeout, http.StatusGatewayTimeout)},
	{Name: "status 5xx", Category: apply.CategoryNetwork, Match: func(err error) bool {
		te, ok := asTaskError(err)
		return ok && te.StatusCode >= 500
	}},
	{Name: "deadline", Category: apply.CategoryTimeout, Match: func(err error) bool {
		return errors.Is(err, context.DeadlineExceeded)
	}},
	{Name: "net timeout", Category: apply.CategoryTimeout, Match: func(err error) bool {
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	}},
	{Name: "conn refused/reset", Category: apply.CategoryNetwork, Match: func(err error) bool {
		return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
	}},
	{Name: "dns", Category: apply.CategoryNetwork, Match: func(err error) bool {
		var de *net.DNSError
		return errors.As(err, &de)
	}},
	{Name: "op error", Category: apply.CategoryNetwork, Match: func(err error) bool {
		var oe *net.OpError
		return errors.As(err, &oe)
	}},
	{Name: "permission", Category: apply.CategoryAuth, Match: func(err error) bool {
		return errors.Is(err, fs.ErrPermission)
	}},
}

var substringRules = []Rule{
	{Name: "captcha", Category: apply.CategoryCaptcha, Match: contains("captcha", "verify you are human", "are you a robot", "challenge required")},
	{Name: "rate limit", Category: apply.CategoryRateLimit, Match: contains("rate limit", "rate-limit", "too many requests", "quota exceeded")},
	{Name: "form", Category: apply.CategoryFormError, Match: contains("form error", "validation", "required field", "invalid field")},
	{Name: "redirect", Category: apply.CategoryExternalRedirect, Match: contains("external redirect", "redirected to external", "external site")},
	{Name: "auth", Category: apply.CategoryAuth, Match: contains("unauthorized", "forbidden", "login required", "session expired", "not logged in")},
	{Name: "timeout", Category: apply.CategoryTimeout, Match: contains("timeout", "timed out")},
	{Name: "network", Category: apply.CategoryNetwork, Match: contains("connection refused", "connection reset", "no such host", "net::err_", "network error")},
}

func asTaskError(err error) (*apply.TaskError, bool) {
	var te *apply.TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func statusIn(codes ...int) func(error) bool {
	return func(err error) bool {
		te, ok := asTaskError(err)
		if !ok {
			return false
		}
		for _, c := range codes {
			if te.StatusCode == c {
				return true
			}
		}
		return false
	}
}

func contains(needles ...string) func(error) bool {
	return func(err error) bool {
		msg := strings.ToLower(err.Error())
		for _, n := range needles {
			if strings.Contains(msg, n) {
				return true
			}
		}
		return false
	}
}

// Severity grades a category for error records.
func Severity(cat apply.Category) apply.Severity {
	switch cat {
	case apply.CategoryExternalRedirect:
		return apply.SeverityInfo
	case apply.CategoryNetwork, apply.CategoryTimeout, apply.CategoryRateLimit:
		return apply.SeverityWarning
	case apply.CategoryUnknown:
		return apply.SeverityCritical
	default:
		return apply.SeverityError
	}
}
