package secret

import (
	"context"
	"sync"

	"github.com/pipeweave/restcall/logger"
)

// Manager owns the active secret of one client instance. The secret is
// fetched lazily on first use, cached for the lifetime of the instance, and
// replaced wholesale on refresh. All access is serialized with a mutex so a
// pooling host that reuses an instance across invocations stays safe.
type Manager struct {
	store    Store
	secretID string
	log      logger.Logger

	mu     sync.Mutex
	cached *Secret
}

// NewManager creates a manager for the given secret id. An empty id is legal
// at construction time; EnsureSecret fails with ErrMissingSecretID when the
// secret is actually needed.
func NewManager(store Store, secretID string, log logger.Logger) *Manager {
	return &Manager{store: store, secretID: secretID, log: log}
}

// EnsureSecret returns the cached secret, fetching it on first use.
func (m *Manager) EnsureSecret(ctx context.Context) (*Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}
	if m.secretID == "" {
		return nil, ErrMissingSecretID
	}

	m.log.Debug().Msg("Secret not found, going to fetch new one")
	s, err := m.store.Get(ctx, m.secretID)
	if err != nil {
		return nil, err
	}
	m.cached = s
	m.log.Debug().Msg("Secret got successfully")
	return s, nil
}

// HandleAuthFailure runs the refresh protocol after an authentication failure:
// re-fetch the secret; if the access token is unchanged, force a refresh
// against the store and fetch again. The cache is replaced with the result.
func (m *Manager) HandleAuthFailure(ctx context.Context) (*Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.secretID == "" {
		return nil, ErrMissingSecretID
	}

	previousToken := m.cached.AccessToken()

	s, err := m.store.Get(ctx, m.secretID)
	if err != nil {
		return nil, err
	}
	if s.AccessToken() == previousToken {
		m.log.Debug().Msg("Token not changed, going to force refresh")
		s, err = m.store.Refresh(ctx, m.secretID)
		if err != nil {
			return nil, err
		}
	}

	m.cached = s
	return s, nil
}

// Invalidate drops the cached secret so the next EnsureSecret re-fetches.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

// Current returns the cached secret without fetching. Nil before first use.
func (m *Manager) Current() *Secret {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached
}
