package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/schoolhub-participation/internal/observability"
)

// ErrAdmissionLockTimeout is returned when the per-event admission lock could not be acquired in time.
var ErrAdmissionLockTimeout = errors.New("admission lock wait timed out")

// AdmissionLocker serializes admission decisions per event.
type AdmissionLocker interface {
	Acquire(ctx context.Context, eventID uint) (release func(), err error)
}

const admissionRetryInterval = 25 * time.Millisecond

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisAdmissionLocker struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	waitTimeout time.Duration
}

// NewRedisAdmissionLocker builds a lease-based lock shared by every API node.
func NewRedisAdmissionLocker(client *redis.Client, prefix string, ttl, waitTimeout time.Duration) AdmissionLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if waitTimeout <= 0 {
		waitTimeout = 3 * time.Second
	}
	return &redisAdmissionLocker{
		client:      client,
		prefix:      prefix,
		ttl:         ttl,
		waitTimeout: waitTimeout,
	}
}

func (l *redisAdmissionLocker) Acquire(ctx context.Context, eventID uint) (func(), error) {
	key := fmt.Sprintf("%s:admission:event:%d", l.prefix, eventID)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(admissionRetryInterval)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire admission lock: %w", err)
		}
		if acquired {
			release := func() {
				releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
				defer releaseCancel()
				_ = releaseLockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}
			return release, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrAdmissionLockTimeout
		case <-ticker.C:
		}
	}
}

type localAdmissionLocker struct {
	mu          sync.Mutex
	slots       map[uint]chan struct{}
	waitTimeout time.Duration
}

// NewLocalAdmissionLocker serializes admissions inside a single process.
func NewLocalAdmissionLocker(waitTimeout time.Duration) AdmissionLocker {
	if waitTimeout <= 0 {
		waitTimeout = 3 * time.Second
	}
	return &localAdmissionLocker{
		slots:       make(map[uint]chan struct{}),
		waitTimeout: waitTimeout,
	}
}

func (l *localAdmissionLocker) slot(eventID uint) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[eventID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[eventID] = ch
	}
	return ch
}

func (l *localAdmissionLocker) Acquire(ctx context.Context, eventID uint) (func(), error) {
	ch := l.slot(eventID)

	timer := time.NewTimer(l.waitTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrAdmissionLockTimeout
	}
}

// withAdmissionLock runs fn while holding the event's admission lock.
func withAdmissionLock(ctx context.Context, locker AdmissionLocker, eventID uint, fn func() error) error {
	if locker == nil {
		return fn()
	}

	started := time.Now()
	release, err := locker.Acquire(ctx, eventID)
	observability.AdmissionLockWait().Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, ErrAdmissionLockTimeout) {
			return ErrAdmissionBusy
		}
		return fmt.Errorf("acquire admission lock: %w", err)
	}
	defer release()

	return fn()
}
