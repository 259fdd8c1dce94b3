// Package classify maps LLM-pipeline error messages onto retry policy.
//
// Classification is a pure function of the message text. The resulting
// Category decides whether a dead-lettered job may be replayed automatically,
// how long to wait before doing so, and whether the failure is systemic
// enough to trip the budget circuit breaker.
package classify

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// Category is the class of an error.
type Category string

const (
	Network    Category = "NETWORK"
	Timeout    Category = "TIMEOUT"
	Quota      Category = "QUOTA"
	Parse      Category = "PARSE"
	Auth       Category = "AUTH"
	Validation Category = "VALIDATION"
	Empty      Category = "EMPTY"
	Unknown    Category = "UNKNOWN"
)

// Never is the cooldown of categories that are never replayed automatically.
const Never time.Duration = math.MaxInt64

// Policy is the retry policy attached to a Category.
type Policy struct {
	Retryable    bool
	BaseCooldown time.Duration
	// Systemic failures affect every call, not just the one that failed.
	Systemic bool
}

var policies = map[Category]Policy{
	Network:    {Retryable: true, BaseCooldown: 5 * time.Minute},
	Timeout:    {Retryable: true, BaseCooldown: 5 * time.Minute},
	Quota:      {Retryable: true, BaseCooldown: time.Hour, Systemic: true},
	Parse:      {Retryable: true, BaseCooldown: 2 * time.Minute},
	Auth:       {Retryable: false, BaseCooldown: Never, Systemic: true},
	Validation: {Retryable: false, BaseCooldown: Never},
	Empty:      {Retryable: false, BaseCooldown: Never},
	Unknown:    {Retryable: false, BaseCooldown: Never},
}

type rule struct {
	category Category
	needles  []string
}

// Order matters: "invalid api key" is AUTH, not VALIDATION, and
// "invalid json" is PARSE.
var rules = []rule{
	{Auth, []string{"401", "403", "unauthorized", "unauthorised", "forbidden", "invalid api key", "incorrect api key", "invalid_api_key", "authentication", "permission denied", "access denied"}},
	{Quota, []string{"429", "rate limit", "ratelimit", "rate_limit", "too many requests", "quota", "insufficient_quota", "billing", "credit balance", "tokens per min"}},
	{Timeout, []string{"timeout", "timed out", "deadline exceeded", "etimedout", "esockettimedout"}},
	{Network, []string{"econnrefused", "econnreset", "enotfound", "eai_again", "epipe", "socket hang up", "connection refused", "connection reset", "no such host", "network", "broken pipe", "502", "503", "504", "bad gateway", "service unavailable"}},
	{Empty, []string{"empty output", "empty response", "no output", "returned nothing", "no content", "zero items", "no rules extracted", "nothing extracted"}},
	{Parse, []string{"parse", "json", "unexpected token", "unexpected end", "syntax error", "malformed", "unmarshal", "invalid character"}},
	{Validation, []string{"validation", "invalid", "schema", "required field", "must be", "out of range", "constraint"}},
}

// Classify maps an error message to its Category.
func Classify(msg string) Category {
	m := strings.ToLower(msg)
	if strings.TrimSpace(m) == "" {
		return Unknown
	}
	for _, r := range rules {
		for _, needle := range r.needles {
			if strings.Contains(m, needle) {
				return r.category
			}
		}
	}
	return Unknown
}

// ClassifyError classifies err. Context deadline errors are TIMEOUT regardless of wording.
func ClassifyError(err error) Category {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Classify(err.Error())
}

// PolicyFor returns the retry policy for c. Unrecognised categories get the UNKNOWN policy.
func PolicyFor(c Category) Policy {
	if p, ok := policies[c]; ok {
		return p
	}
	return policies[Unknown]
}

// IsRetryable reports whether c may be replayed automatically.
func IsRetryable(c Category) bool {
	return PolicyFor(c).Retryable
}

// BaseCooldown returns the fixed cooldown for c, or Never.
func BaseCooldown(c Category) time.Duration {
	return PolicyFor(c).BaseCooldown
}

// OpensCircuit reports whether a call failure of class c should trip the
// budget circuit breaker.
func OpensCircuit(c Category) bool {
	return PolicyFor(c).Systemic
}

// ParseCategory converts a stored category string back into a Category.
func ParseCategory(s string) Category {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := policies[c]; ok {
		return c
	}
	return Unknown
}

// Categories returns every known category.
func Categories() []Category {
	return []Category{Network, Timeout, Quota, Parse, Auth, Validation, Empty, Unknown}
}
