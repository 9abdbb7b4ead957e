package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Prober answers the two questions the flow asks
type Prober interface {
	LicenseStatus(ctx context.Context) LicenseObservation
	AuthStatus(ctx context.Context) AuthObservation
}

// Flow drives the gate state machine through a Prober
type Flow struct {
	prober  Prober
	logger  *slog.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
}

// FlowOption configures a Flow
type FlowOption func(*Flow)

// WithRetryInterval sets the minimum delay between failed probes
func WithRetryInterval(d time.Duration) FlowOption {
	return func(f *Flow) {
		f.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithFlowLogger sets the logger
func WithFlowLogger(l *slog.Logger) FlowOption {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFlow creates a flow in the initial state
func NewFlow(prober Prober, opts ...FlowOption) *Flow {
	f := &Flow{
		prober:  prober,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		state:   Initial,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "gate")
	return f
}

// State returns the current state
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Step runs at most one probe and returns the new state. Screen states are
// returned unchanged.
func (f *Flow) Step(ctx context.Context) State {
	f.mu.Lock()
	current := f.state
	f.mu.Unlock()

	next := current
	switch current {
	case StateCheckingLicense:
		obs := f.prober.LicenseStatus(ctx)
		if obs.Err != nil {
			f.logger.WarnContext(ctx, "License check failed", slog.String("error", obs.Err.Error()))
		}
		next = AfterLicenseCheck(obs)
	case StateCheckingAuth:
		obs := f.prober.AuthStatus(ctx)
		if obs.Err != nil {
			f.logger.WarnContext(ctx, "Auth check failed", slog.String("error", obs.Err.Error()))
		}
		next = AfterAuthCheck(obs)
	}

	f.set(ctx, current, next)
	return next
}

// Run probes until the flow reaches a screen state or ctx ends. Failed probes
// are retried no faster than the retry interval. On cancellation the flow is
// left in its checking state and ctx.Err() is returned.
func (f *Flow) Run(ctx context.Context) (State, error) {
	for {
		before := f.State()
		if !before.Checking() {
			return before, nil
		}
		after := f.Step(ctx)
		if after != before {
			continue
		}
		if err := f.limiter.Wait(ctx); err != nil {
			// the next probe would land past the deadline
			<-ctx.Done()
			return f.State(), ctx.Err()
		}
	}
}

// Activated reports a successful activation and runs the flow
func (f *Flow) Activated(ctx context.Context) (State, error) {
	return f.apply(ctx, OnActivated)
}

// SetupComplete reports that the first admin was created and runs the flow
func (f *Flow) SetupComplete(ctx context.Context) (State, error) {
	return f.apply(ctx, OnSetupComplete)
}

// LoginSucceeded reports a login and runs the flow
func (f *Flow) LoginSucceeded(ctx context.Context) (State, error) {
	return f.apply(ctx, OnLoginSucceeded)
}

// Logout reports a logout
func (f *Flow) Logout(ctx context.Context) State {
	s, _ := f.apply(ctx, OnLogout)
	return s
}

// Navigate reports in-app navigation
func (f *Flow) Navigate(ctx context.Context) State {
	s, _ := f.apply(ctx, OnNavigate)
	return s
}

func (f *Flow) apply(ctx context.Context, transition func(State) State) (State, error) {
	f.mu.Lock()
	current := f.state
	f.mu.Unlock()

	f.set(ctx, current, transition(current))
	return f.Run(ctx)
}

func (f *Flow) set(ctx context.Context, from, to State) {
	f.mu.Lock()
	f.state = to
	f.mu.Unlock()

	if from != to {
		f.logger.DebugContext(ctx, "Gate transition",
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	}
}

// Evaluate runs one pass of the flow from the initial state without retrying.
// A failed probe leaves the result in its checking state.
func Evaluate(ctx context.Context, prober Prober) State {
	s := AfterLicenseCheck(prober.LicenseStatus(ctx))
	if s != StateCheckingAuth {
		return s
	}
	return AfterAuthCheck(prober.AuthStatus(ctx))
}
