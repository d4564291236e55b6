package kernel

import (
	"context"
	"fmt"

	"docforge/internal/logging"
)

// Policy decides what happens to a session when a run releases it.
type Policy string

const (
	// PolicyTerminate deletes the kernel after every run.
	PolicyTerminate Policy = "terminate"
	// PolicyReuse only checks the session back in, leaving it running.
	PolicyReuse Policy = "reuse"
)

// ParsePolicy maps a configured name to a Policy. Empty means terminate.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", PolicyTerminate:
		return PolicyTerminate, nil
	case PolicyReuse:
		return PolicyReuse, nil
	default:
		return "", fmt.Errorf("kernel: unknown session policy %q", name)
	}
}

// Manager hands out sessions to runs.
type Manager struct {
	client     *Client
	registry   *Registry
	kernelName string
	policy     Policy
}

// NewManager creates a session manager. A nil registry gets a fresh one.
func NewManager(client *Client, registry *Registry, kernelName string, policy Policy) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if kernelName == "" {
		kernelName = "python3"
	}
	if policy == "" {
		policy = PolicyTerminate
	}
	return &Manager{
		client:     client,
		registry:   registry,
		kernelName: kernelName,
		policy:     policy,
	}
}

// Client returns the underlying control API client.
func (m *Manager) Client() *Client { return m.client }

// Registry returns the checkout registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Policy returns the release policy.
func (m *Manager) Policy() Policy { return m.policy }

// maxAcquireAttempts bounds retries when a freshly created kernel is listed
// and checked out by a concurrent run before its creator can claim it.
const maxAcquireAttempts = 3

// Acquire returns a session checked out for the caller's exclusive use,
// taking the first listed session not in use by this process or creating a
// new one.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	timer := logging.StartTimer(logging.CategorySession, "acquire")
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		sessions, err := m.client.List(ctx)
		if err != nil {
			logging.SessionError("kernel discovery failed: %v", err)
			return Session{}, err
		}

		if s, ok := m.registry.CheckoutFirst(sessions); ok {
			logging.SessionDebug("reusing kernel %s", s.ID)
			return s, nil
		}

		s, err := m.client.Create(ctx, m.kernelName)
		if err != nil {
			logging.SessionError("kernel creation failed: %v", err)
			return Session{}, err
		}
		if m.registry.Checkout(s.ID) {
			return s, nil
		}
		if attempt == maxAcquireAttempts {
			return Session{}, &SessionError{Reason: CreationFailed, SessionID: s.ID,
				Err: fmt.Errorf("created kernel was claimed by another run %d times", attempt)}
		}
		logging.SessionDebug("kernel %s claimed by another run, retrying", s.ID)
	}
}

// Release checks s back in and, under PolicyTerminate, deletes it. The
// returned error is informational; callers log it and move on.
func (m *Manager) Release(ctx context.Context, s Session) error {
	defer m.registry.Checkin(s.ID)

	if m.policy == PolicyReuse {
		logging.SessionDebug("checked kernel %s back in", s.ID)
		return nil
	}
	if err := m.client.Delete(ctx, s.ID); err != nil {
		logging.SessionWarn("kernel teardown failed: %v", err)
		return err
	}
	return nil
}
