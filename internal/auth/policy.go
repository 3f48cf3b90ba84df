package auth

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Decision is the outcome of evaluating a policy.
type Decision bool

const (
	Deny  Decision = false
	Allow Decision = true
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Predicate is a pure function over a claim set.
type Predicate func(Claims) bool

// Policy is a named authorization rule.
type Policy struct {
	Name      string
	Predicate Predicate
}

// Check is a policy resolved at startup.
type Check func(Claims) Decision

// EmailDomain requires the email claim's domain to equal domain, ignoring case.
func EmailDomain(domain string) Predicate {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	return func(c Claims) bool {
		at := strings.LastIndexByte(c.Email, '@')
		if at < 0 || domain == "" {
			return false
		}
		return strings.EqualFold(c.Email[at+1:], domain)
	}
}

// HasRole requires the role claim to contain role.
func HasRole(role string) Predicate {
	role = normalizeRole(role)
	return func(c Claims) bool { return role != "" && c.HasRole(role) }
}

// AllOf requires every predicate to hold.
func AllOf(preds ...Predicate) Predicate {
	return func(c Claims) bool {
		for _, p := range preds {
			if !p(c) {
				return false
			}
		}
		return len(preds) > 0
	}
}

// Evaluator holds the policies registered at startup. It is never mutated
// after construction, so evaluation needs no locking.
type Evaluator struct {
	policies map[string]Predicate
	observe  func(policy string, d Decision)
}

// NewEvaluator registers policies by name. Empty and duplicate names are
// rejected.
func NewEvaluator(policies ...Policy) (*Evaluator, error) {
	e := &Evaluator{policies: make(map[string]Predicate, len(policies))}
	for _, p := range policies {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: policy name is required", ErrValidation)
		}
		if p.Predicate == nil {
			return nil, fmt.Errorf("%w: policy %q has no predicate", ErrValidation, name)
		}
		if _, dup := e.policies[name]; dup {
			return nil, fmt.Errorf("%w: policy %q registered twice", ErrValidation, name)
		}
		e.policies[name] = p.Predicate
	}
	return e, nil
}

// WithDecisionObserver returns a copy of e reporting each decision to fn.
func (e *Evaluator) WithDecisionObserver(fn func(policy string, d Decision)) *Evaluator {
	return &Evaluator{policies: e.policies, observe: fn}
}

// Evaluate applies the named policy to claims. Names are resolved at startup
// through Bind; an unknown name here denies.
func (e *Evaluator) Evaluate(name string, claims Claims) Decision {
	pred, ok := e.policies[name]
	d := Deny
	if ok && pred(claims) {
		d = Allow
	}
	if e.observe != nil {
		e.observe(name, d)
	}
	return d
}

// Bind resolves name once so request handling never sees an unknown policy.
func (e *Evaluator) Bind(name string) (Check, error) {
	if _, ok := e.policies[name]; !ok {
		return nil, fmt.Errorf("auth: unknown policy %q", name)
	}
	return func(c Claims) Decision { return e.Evaluate(name, c) }, nil
}

// Names lists the registered policy names.
func (e *Evaluator) Names() []string {
	return slices.Sorted(maps.Keys(e.policies))
}
