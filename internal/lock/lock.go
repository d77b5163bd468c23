package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotAcquired is returned when the lock is held elsewhere and all retries
// are exhausted.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrAlreadyHeld is returned when this process already holds the key.
var ErrAlreadyHeld = errors.New("lock already held by this process")

// Ownership checks run server-side so a stale holder can never delete or
// extend a lock that has passed to another node.
var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Lock is one held lease on a key
type Lock struct {
	Key       string
	Token     string
	ExpiresAt time.Time

	cancelRenew context.CancelFunc
	mu          sync.Mutex
	lost        bool
}

// Lost reports whether the renewer failed to extend the lease. Callers guard
// critical DB writes with status/version preconditions regardless.
func (l *Lock) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *Lock) markLost() {
	l.mu.Lock()
	l.lost = true
	l.mu.Unlock()
}

// Manager issues cluster-wide advisory locks backed by Redis.
type Manager struct {
	client *redis.Client
	nodeID string
	log    zerolog.Logger

	mu   sync.Mutex
	held map[string]*Lock
}

// NewManager creates a lock manager. The node ID is assigned once per process.
func NewManager(client *redis.Client, log zerolog.Logger) *Manager {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "node"
	}
	nodeID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Manager{
		client: client,
		nodeID: nodeID,
		log:    log.With().Str("component", "lock").Str("node_id", nodeID).Logger(),
	}
}

// NodeID returns the process-wide node identifier.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Acquire attempts to take the lock, retrying up to retries times with a fixed
// delay. On success a background renewer extends the lease at ttl/2 intervals
// until Release. Returns ErrNotAcquired when the key stays held elsewhere.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration) (*Lock, error) {
	m.mu.Lock()
	if _, ok := m.held[key]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyHeld
	}
	m.mu.Unlock()

	token := fmt.Sprintf("%s:%s", m.nodeID, uuid.New().String())

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire failed: %w", err)
		}
		if !ok {
			continue
		}

		lock := &Lock{
			Key:       key,
			Token:     token,
			ExpiresAt: time.Now().Add(ttl),
		}

		renewCtx, cancel := context.WithCancel(context.Background())
		lock.cancelRenew = cancel
		go m.renew(renewCtx, lock, ttl)

		m.mu.Lock()
		if m.held == nil {
			m.held = make(map[string]*Lock)
		}
		m.held[key] = lock
		m.mu.Unlock()

		m.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")
		return lock, nil
	}

	return nil, ErrNotAcquired
}

// renew extends the lease at ttl/2 intervals for as long as the lock is held.
func (m *Manager) renew(ctx context.Context, lock *Lock, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.Extend(ctx, lock, ttl)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				m.log.Error().Err(err).Str("key", lock.Key).Msg("Lock renewal failed")
				continue
			}
			if !ok {
				// Token no longer matches: the lease expired and someone else
				// may own the key now. Stop renewing.
				lock.markLost()
				m.log.Warn().Str("key", lock.Key).Msg("Lock lost, stopping renewal")
				return
			}
			lock.mu.Lock()
			lock.ExpiresAt = time.Now().Add(ttl)
			lock.mu.Unlock()
		}
	}
}

// Extend atomically extends the lease only while the stored token matches.
func (m *Manager) Extend(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, m.client, []string{lock.Key}, lock.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release atomically deletes the key only while the token matches, and stops
// the renewer. Returns false when the lock was no longer ours.
func (m *Manager) Release(ctx context.Context, lock *Lock) (bool, error) {
	if lock.cancelRenew != nil {
		lock.cancelRenew()
	}

	m.mu.Lock()
	delete(m.held, lock.Key)
	m.mu.Unlock()

	res, err := releaseScript.Run(ctx, m.client, []string{lock.Key}, lock.Token).Int()
	if err != nil {
		return false, fmt.Errorf("lock release failed: %w", err)
	}
	released := res == 1
	if !released {
		m.log.Warn().Str("key", lock.Key).Msg("Release found lock held by someone else")
	}
	return released, nil
}

// IsLocked reports whether any holder currently owns the key.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Holder returns the current token on the key, or "" when unlocked.
func (m *Manager) Holder(ctx context.Context, key string) (string, error) {
	token, err := m.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// WithLock runs fn while holding the key, releasing on every exit path.
// Returns ErrNotAcquired without running fn when the key is held elsewhere.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := m.Acquire(ctx, key, ttl, 0, 0)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.Release(releaseCtx, lock); err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("Failed to release lock")
		}
	}()

	return fn(ctx)
}
