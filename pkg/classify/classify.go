// Package classify turns opaque provisioning command output into a closed set
// of actionable classifications. Matching is an ordered, first-match-wins rule
// table so that specific signals are never shadowed by more generic phrases.
package classify

import "strings"

// Classification is the closed set of outcomes recognized in raw command output.
type Classification string

const (
	// LimitExceeded indicates the account's free-tier service limit is reached.
	LimitExceeded Classification = "limit_exceeded"

	// RateLimit indicates the control plane is throttling requests.
	RateLimit Classification = "rate_limit"

	// Capacity indicates the zone has no free capacity right now.
	Capacity Classification = "capacity"

	// InternalError indicates a provider-side 5xx style failure.
	InternalError Classification = "internal_error"

	// Duplicate indicates the instance already exists.
	Duplicate Classification = "duplicate"

	// Auth indicates an authentication or authorization failure.
	Auth Classification = "auth"

	// Config indicates a malformed or invalid request configuration.
	Config Classification = "config"

	// Network indicates a client-side connectivity failure.
	Network Classification = "network"

	// Unknown is the default when no rule matches.
	Unknown Classification = "unknown"
)

// rule pairs a set of case-insensitive phrases with the classification they
// signal. Rules are evaluated in order; the first phrase hit wins.
type rule struct {
	class   Classification
	phrases []string
}

// rules is the canonical ordered table. Order is load-bearing: "limit exceeded"
// must be tested before the generic throttling and capacity phrases, and
// capacity before the internal-error catch-alls, because several categories are
// textual subsets of others.
var rules = []rule{
	{LimitExceeded, []string{
		"limit exceeded",
		"limitexceeded",
		"service limit",
		"quota exceeded",
	}},
	{RateLimit, []string{
		"too many requests",
		"toomanyrequests",
		"429",
		"rate limit",
		"throttl",
	}},
	{Capacity, []string{
		"out of capacity",
		"out of host capacity",
		"outofcapacity",
		"insufficient capacity",
		"capacity",
	}},
	{InternalError, []string{
		"internal error",
		"internalerror",
		"500",
		"502",
		"503",
		"service unavailable",
		"internal server error",
	}},
	{Duplicate, []string{
		"already exists",
		"duplicate",
		"conflict",
	}},
	{Auth, []string{
		"notauthenticated",
		"not authenticated",
		"notauthorized",
		"not authorized",
		"401",
		"403",
		"forbidden",
		"authorization failed",
	}},
	{Network, []string{
		"connection refused",
		"connection reset",
		"timed out",
		"timeout",
		"no route to host",
		"temporary failure in name resolution",
		"tls handshake",
	}},
	{Config, []string{
		"invalidparameter",
		"invalid parameter",
		"cannotparserequest",
		"bad request",
		"400",
		"missing required",
	}},
}

// Classify maps raw command output to a Classification. It is total and
// deterministic: any input, including the empty string, yields exactly one
// classification, and no side effects are performed.
func Classify(raw string) Classification {
	lowered := strings.ToLower(raw)
	for _, r := range rules {
		for _, phrase := range r.phrases {
			if strings.Contains(lowered, phrase) {
				return r.class
			}
		}
	}
	return Unknown
}

// IsExpected reports whether the classification is an expected outcome of
// free-tier hunting: logged and recorded, but reported as success to the
// invoking scheduler since retrying on the next run is the correct response.
func (c Classification) IsExpected() bool {
	switch c {
	case Capacity, RateLimit, LimitExceeded, Duplicate:
		return true
	}
	return false
}

// IsTransient reports whether the classification should be retried locally
// with backoff before escalating.
func (c Classification) IsTransient() bool {
	return c == InternalError || c == Network
}

// IsFatal reports whether the classification requires operator action.
// Unknown is treated conservatively as fatal rather than silently retried.
func (c Classification) IsFatal() bool {
	return c == Auth || c == Config || c == Unknown
}
