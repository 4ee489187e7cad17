// Package policy implements the runtime guards that confine executing code:
// a default-deny NetworkPolicy and a workspace-rooted FileSystemPolicy.
//
// A policy instance belongs to exactly one execution. It is activated right
// before the code runs and deactivated when the execution ends, after which
// it can never be re-activated. The guarded primitives (DialContext, OpenFile,
// ReadDir) refuse to work on an inactive policy, so a handle that leaks out of
// an execution is useless. Nothing here touches process-wide state.
package policy

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors for policy enforcement.
var (
	ErrNetworkDenied    = errors.New("network access denied")
	ErrFileSystemDenied = errors.New("filesystem access denied")
	ErrPolicyInactive   = errors.New("policy is not active")
	ErrPolicyReleased   = errors.New("policy has been released")
)

// Violation is a runtime attempt that a policy refused.
type Violation interface {
	error
	// Policy names the policy that raised the violation: "network" or "filesystem".
	Policy() string
	// Target is the attempted destination or path.
	Target() string
}

// Option configures a policy.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	onDeny      func(Violation)
	resolver    Resolver
	dialTimeout time.Duration
	readOnly    []string
}

func defaultOptions() options {
	return options{
		logger:      slog.Default(),
		dialTimeout: 10 * time.Second,
	}
}

// WithLogger sets the logger used to report denials.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDenialHandler registers a callback invoked on every denial made by a
// guarded primitive.
func WithDenialHandler(fn func(Violation)) Option {
	return func(o *options) { o.onDeny = fn }
}

// WithResolver sets the DNS resolver used by NetworkPolicy.DialContext.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithDialTimeout bounds each connection attempt made by NetworkPolicy.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithReadOnly marks subtrees of the FileSystemPolicy root, given relative
// to it, that stay read-only even when writes are allowed.
func WithReadOnly(dirs ...string) Option {
	return func(o *options) { o.readOnly = append(o.readOnly, dirs...) }
}

const (
	stateIdle int32 = iota
	stateActive
	stateReleased
)

// lifecycle implements the activate/deactivate discipline shared by both
// policies. It also keeps the list of denials made while active.
type lifecycle struct {
	state atomic.Int32

	mu         sync.Mutex
	violations []Violation
	logger     *slog.Logger
	onDeny     func(Violation)
}

// Activate installs the policy for the current execution.
// Activating an already active policy is a no-op; a released policy cannot
// be activated again.
func (l *lifecycle) Activate() error {
	if l.state.CompareAndSwap(stateIdle, stateActive) {
		return nil
	}
	if l.state.Load() == stateReleased {
		return ErrPolicyReleased
	}
	return nil
}

// Deactivate releases the policy. It is safe to call more than once.
func (l *lifecycle) Deactivate() {
	l.state.Store(stateReleased)
}

// Active reports whether guarded primitives are currently usable.
func (l *lifecycle) Active() bool {
	return l.state.Load() == stateActive
}

func (l *lifecycle) ensureActive() error {
	switch l.state.Load() {
	case stateActive:
		return nil
	case stateReleased:
		return ErrPolicyReleased
	default:
		return ErrPolicyInactive
	}
}

// deny records v and returns it as an error.
func (l *lifecycle) deny(v Violation) error {
	l.mu.Lock()
	l.violations = append(l.violations, v)
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Warn("policy denied access",
			slog.String("policy", v.Policy()),
			slog.String("target", v.Target()),
			slog.String("error", v.Error()),
		)
	}
	if l.onDeny != nil {
		l.onDeny(v)
	}
	return v
}

// Denials returns every violation recorded by guarded primitives.
func (l *lifecycle) Denials() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Violation, len(l.violations))
	copy(out, l.violations)
	return out
}

// FirstDenial returns the first recorded violation, or nil.
func (l *lifecycle) FirstDenial() Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.violations) == 0 {
		return nil
	}
	return l.violations[0]
}
