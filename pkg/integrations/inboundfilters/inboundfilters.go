// Package inboundfilters drops events on the client before they are sent:
// known noisy errors, health-check transactions, events matching a CEL
// expression, and events from releases outside a version constraint.
package inboundfilters

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/diag"
	"github.com/Mindburn-Labs/beacon/pkg/event"
)

// Name identifies the integration.
const Name = "InboundFilters"

const celCostLimit = 10000

// Options lists the filters. Patterns in IgnoreErrors and
// IgnoreTransactions are regular expressions; an entry that does not
// compile matches as a plain substring.
type Options struct {
	// IgnoreErrors is matched against the message and against
	// "Type: value" of every exception.
	IgnoreErrors []string
	// IgnoreTransactions is matched against transaction names.
	IgnoreTransactions []string
	// DropExpressions are CEL expressions over the variable `event`; an
	// event is dropped when any of them evaluates to true. Fields: kind,
	// level, message, release, environment, transaction, logger, tags,
	// exceptions (list of {type, value}).
	DropExpressions []string
	// ReleaseConstraint is a semantic version constraint such as
	// ">= 2.0.0". Events whose release parses as a version outside it are
	// dropped. The version is taken after the last "@" of the release.
	ReleaseConstraint string
}

type matcher struct {
	re     *regexp.Regexp
	substr string
}

func newMatcher(pattern string) matcher {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return matcher{substr: pattern}
	}
	return matcher{re: re}
}

func (m matcher) match(s string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return strings.Contains(s, m.substr)
}

// Integration is the inbound filters integration.
type Integration struct {
	errors       []matcher
	transactions []matcher
	expressions  []string
	constraint   *semver.Constraints
	logger       *slog.Logger

	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// New validates opts and compiles its expressions.
func New(opts Options) (*Integration, error) {
	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	i := &Integration{
		env:         env,
		prgCache:    make(map[string]cel.Program),
		expressions: opts.DropExpressions,
		logger:      diag.Component("inboundfilters"),
	}
	for _, p := range opts.IgnoreErrors {
		i.errors = append(i.errors, newMatcher(p))
	}
	for _, p := range opts.IgnoreTransactions {
		i.transactions = append(i.transactions, newMatcher(p))
	}
	if opts.ReleaseConstraint != "" {
		c, err := semver.NewConstraint(opts.ReleaseConstraint)
		if err != nil {
			return nil, fmt.Errorf("invalid release constraint %q: %w", opts.ReleaseConstraint, err)
		}
		i.constraint = c
	}
	for _, expr := range opts.DropExpressions {
		if _, err := i.program(expr); err != nil {
			return nil, err
		}
	}
	return i, nil
}

func (i *Integration) Name() string { return Name }

func (i *Integration) Setup(c *client.Client) {
	c.AddEventProcessor(i.Process)
}

// Process returns nil for events matched by a filter.
func (i *Integration) Process(ev *event.Event, _ *event.Hint) *event.Event {
	if reason := i.match(ev); reason != "" {
		i.logger.Debug("event filtered", "event_id", ev.EventID, "filter", reason)
		return nil
	}
	return ev
}

func (i *Integration) match(ev *event.Event) string {
	if ev.Kind() == event.KindTransaction {
		if matchAny(i.transactions, ev.Transaction) {
			return "ignore_transactions"
		}
	} else if i.ignoredError(ev) {
		return "ignore_errors"
	}
	if i.outsideRelease(ev.Release) {
		return "release_constraint"
	}
	for _, expr := range i.expressions {
		drop, err := i.evaluate(expr, ev)
		if err != nil {
			i.logger.Warn("drop expression failed", "expression", expr, "error", err)
			continue
		}
		if drop {
			return "drop_expression"
		}
	}
	return ""
}

func matchAny(ms []matcher, s string) bool {
	if s == "" {
		return false
	}
	for _, m := range ms {
		if m.match(s) {
			return true
		}
	}
	return false
}

func (i *Integration) ignoredError(ev *event.Event) bool {
	if len(i.errors) == 0 {
		return false
	}
	if matchAny(i.errors, ev.Message) {
		return true
	}
	for _, exc := range ev.Exception {
		if matchAny(i.errors, exc.Type+": "+exc.Value) {
			return true
		}
	}
	return false
}

func (i *Integration) outsideRelease(release string) bool {
	if i.constraint == nil || release == "" {
		return false
	}
	if at := strings.LastIndex(release, "@"); at >= 0 {
		release = release[at+1:]
	}
	v, err := semver.NewVersion(release)
	if err != nil {
		return false
	}
	return !i.constraint.Check(v)
}

func (i *Integration) program(expr string) (cel.Program, error) {
	i.mu.RLock()
	prg, hit := i.prgCache[expr]
	i.mu.RUnlock()
	if hit {
		return prg, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if prg, hit = i.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := i.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := i.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	i.prgCache[expr] = prg
	return prg, nil
}

func (i *Integration) evaluate(expr string, ev *event.Event) (bool, error) {
	prg, err := i.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"event": celInput(ev)})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	drop, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %T, not bool", out.Value())
	}
	return drop, nil
}

func celInput(ev *event.Event) map[string]any {
	exceptions := make([]any, 0, len(ev.Exception))
	for _, exc := range ev.Exception {
		exceptions = append(exceptions, map[string]any{"type": exc.Type, "value": exc.Value})
	}
	tags := make(map[string]any, len(ev.Tags))
	for k, v := range ev.Tags {
		tags[k] = v
	}
	return map[string]any{
		"kind":        string(ev.Kind()),
		"level":       string(ev.Level),
		"message":     ev.Message,
		"release":     ev.Release,
		"environment": ev.Environment,
		"transaction": ev.Transaction,
		"logger":      ev.Logger,
		"tags":        tags,
		"exceptions":  exceptions,
	}
}
