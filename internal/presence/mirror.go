package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/worker"
)

type changeKind int

const (
	markOnline changeKind = iota
	markOffline
	refreshAll
)

type change struct {
	kind   changeKind
	userID string
}

// Mirror feeds hub presence changes into a Store from its own goroutine, so
// the hub never waits on Redis. Every store write, the periodic refresh
// included, goes through one queue and is applied in order. Store failures
// are logged and otherwise ignored; the periodic refresh repairs drift.
type Mirror struct {
	store    Store
	queue    *worker.Queue[change]
	snapshot func() []string
	every    time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

// NewMirror creates a mirror. snapshot returns the hub's current online set
// and is consulted every refresh interval; a nil snapshot disables refresh.
func NewMirror(store Store, snapshot func() []string, refresh time.Duration, log *zap.Logger) *Mirror {
	log = logging.OrNop(log)
	m := &Mirror{
		store:    store,
		snapshot: snapshot,
		every:    refresh,
		timeout:  2 * time.Second,
		log:      log.With(zap.String("component", "presence-mirror")),
	}
	m.queue = worker.New[change]("presence", 1024, m.apply, m.log)
	return m
}

// UserOnline queues an online mark for userID.
func (m *Mirror) UserOnline(userID string) {
	m.queue.Submit(change{kind: markOnline, userID: userID})
}

// UserOffline queues an offline mark for userID.
func (m *Mirror) UserOffline(userID string) {
	m.queue.Submit(change{kind: markOffline, userID: userID})
}

// Run applies queued changes and refreshes TTLs until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	if m.snapshot != nil && m.every > 0 {
		go m.refreshLoop(ctx)
	}
	m.queue.Run(ctx)
}

func (m *Mirror) apply(ctx context.Context, c change) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var err error
	switch c.kind {
	case markOnline:
		err = m.store.MarkOnline(ctx, c.userID)
	case markOffline:
		err = m.store.MarkOffline(ctx, c.userID)
	case refreshAll:
		m.refresh(ctx)
		return
	}
	if err != nil {
		m.log.Warn("presence update failed", zap.String("user", c.userID), zap.Bool("online", c.kind == markOnline), zap.Error(err))
	}
}

// refreshLoop only schedules refreshes. The snapshot is taken when the queue
// reaches the refresh, so any offline change queued before it has already
// been applied and any queued after it is applied later.
func (m *Mirror) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.queue.Submit(change{kind: refreshAll})
		}
	}
}

func (m *Mirror) refresh(ctx context.Context) {
	if m.snapshot == nil {
		return
	}
	users := m.snapshot()
	if err := m.store.Refresh(ctx, users); err != nil {
		m.log.Warn("presence refresh failed", zap.Int("users", len(users)), zap.Error(err))
		return
	}
	m.log.Debug("presence refreshed", zap.Int("users", len(users)))
}
