// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Package authz decides whether a requester may invoke an operation
// namespace. Rules are grouped by dotted namespace; a namespace without rules
// falls back to its parent.
package authz

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tvaughan/fleet-ca/internal/metrics"
)

// ErrAuthorizationDenied is returned by Authorize when no rule allows the
// requester.
var ErrAuthorizationDenied = errors.New("authorization denied")

type Verb string

const (
	Allow Verb = "allow"
	Deny  Verb = "deny"
)

// Rule is one allow or deny line of a namespace.
type Rule struct {
	Namespace string
	Verb      Verb
	Pattern   string
	// Order is the declaration position within the namespace.
	Order int

	compiled pattern
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s", r.Verb, r.Pattern)
}

// Requester identifies the caller. Either field may be empty; an empty
// field matches no pattern of its kind.
type Requester struct {
	Name string
	IP   string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// Namespace is the namespace whose rules were used, "" when none had
	// any.
	Namespace string
	// Rule is the rule that matched, nil for the default deny.
	Rule *Rule
}

// Engine holds the rule sets. It is safe for concurrent use; Replace swaps
// the whole rule set at once.
type Engine struct {
	mu    sync.RWMutex
	rules map[string][]Rule
}

func New() *Engine {
	return &Engine{rules: make(map[string][]Rule)}
}

// Add appends a rule for pattern to namespace.
func (e *Engine) Add(namespace string, verb Verb, pat string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.add(namespace, verb, pat)
}

func (e *Engine) add(namespace string, verb Verb, pat string) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return fmt.Errorf("empty namespace")
	}
	if verb != Allow && verb != Deny {
		return fmt.Errorf("unknown verb %q", verb)
	}
	compiled, err := compilePattern(pat)
	if err != nil {
		return err
	}
	// Readers may still hold the old slice.
	prev := e.rules[namespace]
	set := make([]Rule, len(prev), len(prev)+1)
	copy(set, prev)
	set = append(set, Rule{
		Namespace: namespace,
		Verb:      verb,
		Pattern:   strings.TrimSpace(pat),
		Order:     len(prev),
		compiled:  compiled,
	})
	sortRules(set)
	e.rules[namespace] = set
	return nil
}

// sortRules orders a rule set for first-match evaluation: exact patterns
// before globs and ranges, addresses before hostnames, more specific before
// less specific, deny before allow, then declaration order.
func sortRules(set []Rule) {
	sort.SliceStable(set, func(i, j int) bool {
		a, b := set[i].compiled, set[j].compiled
		if a.exact() != b.exact() {
			return a.exact()
		}
		if a.isIP() != b.isIP() {
			return a.isIP()
		}
		if a.specificity() != b.specificity() {
			return a.specificity() > b.specificity()
		}
		if (set[i].Verb == Deny) != (set[j].Verb == Deny) {
			return set[i].Verb == Deny
		}
		return set[i].Order < set[j].Order
	})
}

// Replace swaps in the rules of other.
func (e *Engine) Replace(other *Engine) {
	other.mu.RLock()
	rules := other.rules
	other.mu.RUnlock()

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// Namespaces lists the namespaces that have rules, sorted.
func (e *Engine) Namespaces() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.rules))
	for ns := range e.rules {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Rules returns the rule set of namespace in evaluation order.
func (e *Engine) Rules(namespace string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules[namespace]...)
}

// resolve walks from namespace up through its parents and returns the first
// one that has rules.
func (e *Engine) resolve(namespace string) (string, []Rule) {
	for ns := namespace; ns != ""; {
		if set := e.rules[ns]; len(set) > 0 {
			return ns, set
		}
		i := strings.LastIndex(ns, ".")
		if i < 0 {
			break
		}
		ns = ns[:i]
	}
	return "", nil
}

// Allowed evaluates req against the rules for namespace. The first matching
// rule decides; no rule set or no matching rule denies.
func (e *Engine) Allowed(namespace string, req Requester) Decision {
	e.mu.RLock()
	resolved, set := e.resolve(namespace)
	e.mu.RUnlock()

	d := Decision{Namespace: resolved}
	r := normalise(req)
	for i := range set {
		if set[i].compiled.match(r) {
			d.Allowed = set[i].Verb == Allow
			d.Rule = &set[i]
			break
		}
	}

	metrics.RecordDecision(namespace, d.Allowed)
	slog.Debug("Authorization decision",
		"namespace", namespace, "resolved", resolved,
		"name", req.Name, "ip", req.IP,
		"allowed", d.Allowed, "rule", ruleString(d.Rule))
	return d
}

// IsAllowed is Allowed for a bare hostname and IP.
func (e *Engine) IsAllowed(namespace, hostname, ip string) bool {
	return e.Allowed(namespace, Requester{Name: hostname, IP: ip}).Allowed
}

// Authorize returns an error wrapping ErrAuthorizationDenied unless req may
// use namespace.
func (e *Engine) Authorize(namespace string, req Requester) error {
	d := e.Allowed(namespace, req)
	if d.Allowed {
		return nil
	}
	who := req.Name
	if who == "" {
		who = req.IP
	}
	if d.Rule != nil {
		return fmt.Errorf("%w: %s may not use %s (%s)", ErrAuthorizationDenied, who, namespace, d.Rule)
	}
	return fmt.Errorf("%w: %s may not use %s", ErrAuthorizationDenied, who, namespace)
}

func ruleString(r *Rule) string {
	if r == nil {
		return "default deny"
	}
	return r.String()
}
