// Package listener applies remote snapshot changes pushed over the change
// feed, suppressing echoes of this client's own writes.
package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/clock"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
)

// Outcome describes what happened to one change event.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeUnchanged     Outcome = "unchanged"
	OutcomeEcho          Outcome = "suppressed_echo"
	OutcomeForeignApp    Outcome = "suppressed_foreign_app"
	OutcomeStale         Outcome = "suppressed_stale"
	OutcomeDelete        Outcome = "suppressed_delete"
	OutcomeForeignUser   Outcome = "suppressed_foreign_user"
	OutcomeListenerEnded Outcome = "listener_closed"
)

var (
	errMissingTarget = errors.New("listener: target is required")
	errMissingRemote = errors.New("listener: remote store is required")
	noOpLogger       = zap.NewNop()
)

// Target is the snapshot synchronizer the listener feeds.
type Target interface {
	UserID() string
	AppKey() string
	IgnoreUntil() time.Time
	LastAppliedAt() time.Time
	ApplyRemote(ctx context.Context, record remote.SnapshotRecord) bool
}

// Config describes the dependencies of a Listener.
type Config struct {
	Target  Target
	Remote  remote.Store
	Clock   clock.Clock
	Enabled bool
	Logger  *zap.Logger
}

// Stats counts processed events.
type Stats struct {
	Applied    int64 `json:"applied"`
	Suppressed int64 `json:"suppressed"`
}

// Listener subscribes to the snapshot change feed of one user.
type Listener struct {
	target  Target
	remote  remote.Store
	clock   clock.Clock
	enabled bool
	logger  *zap.Logger

	mu           sync.Mutex
	status       remote.FeedStatus
	lastErr      error
	subscription remote.Subscription
	ctx          context.Context
	cancel       context.CancelFunc

	applied    atomic.Int64
	suppressed atomic.Int64
}

// New constructs a Listener in the closed state.
func New(cfg Config) (*Listener, error) {
	if cfg.Target == nil {
		return nil, errMissingTarget
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	timeSource := cfg.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	initial := remote.FeedClosed
	if !cfg.Enabled || cfg.Target.UserID() == "" {
		initial = remote.FeedDisabled
	}
	return &Listener{
		target:  cfg.Target,
		remote:  cfg.Remote,
		clock:   timeSource,
		enabled: cfg.Enabled,
		logger:  logger.With(zap.String("user_id", cfg.Target.UserID()), zap.String("app_key", cfg.Target.AppKey())),
		status:  initial,
	}, nil
}

// Start opens the change feed. A disabled listener stays disabled. Subscribe
// failures are reported through the status and returned.
func (l *Listener) Start(ctx context.Context) error {
	if !l.enabled || l.target.UserID() == "" {
		l.setStatus(remote.FeedDisabled, nil)
		return nil
	}
	l.mu.Lock()
	if l.subscription != nil {
		l.mu.Unlock()
		return nil
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	listenCtx := l.ctx
	l.mu.Unlock()

	l.setStatus(remote.FeedConnecting, nil)
	subscription, err := l.remote.SubscribeChanges(listenCtx, remote.SubscribeRequest{
		Table:  remote.SnapshotTable,
		UserID: l.target.UserID(),
		OnEvent: func(event remote.ChangeEvent) {
			l.Handle(listenCtx, event)
		},
		OnStatus: l.setStatus,
	})
	if err != nil {
		l.setStatus(remote.FeedError, err)
		l.logger.Warn("change feed subscription failed",
			zap.String("reason", string(remote.KindOf(err))),
			zap.Error(err))
		return err
	}
	l.mu.Lock()
	l.subscription = subscription
	l.mu.Unlock()
	return nil
}

// Stop closes the change feed.
func (l *Listener) Stop() error {
	l.mu.Lock()
	subscription := l.subscription
	cancel := l.cancel
	l.subscription = nil
	l.cancel = nil
	l.mu.Unlock()

	var err error
	if subscription != nil {
		err = subscription.Close()
	}
	if cancel != nil {
		cancel()
	}
	if l.enabled {
		l.setStatus(remote.FeedClosed, nil)
	}
	return err
}

// Status returns the feed status.
func (l *Listener) Status() remote.FeedStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Err returns the error that put the feed into the error state.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Stats returns the applied and suppressed counters.
func (l *Listener) Stats() Stats {
	return Stats{Applied: l.applied.Load(), Suppressed: l.suppressed.Load()}
}

// Handle filters one change event and applies it to the target when it is
// new information: outside the echo window, for the target's app key,
// strictly newer than the last applied record and not a delete.
func (l *Listener) Handle(ctx context.Context, event remote.ChangeEvent) Outcome {
	outcome := l.decide(ctx, event)
	switch outcome {
	case OutcomeApplied:
		l.applied.Add(1)
		l.logger.Debug("remote change applied", zap.Time("updated_at", event.Record.UpdatedAt))
	case OutcomeUnchanged:
	default:
		l.suppressed.Add(1)
		l.logger.Debug("remote change suppressed", zap.String("outcome", string(outcome)))
	}
	return outcome
}

func (l *Listener) decide(ctx context.Context, event remote.ChangeEvent) Outcome {
	if ctx.Err() != nil {
		return OutcomeListenerEnded
	}
	if l.clock.Now().Before(l.target.IgnoreUntil()) {
		return OutcomeEcho
	}
	record := event.Record
	if record.UserID != "" && record.UserID != l.target.UserID() {
		return OutcomeForeignUser
	}
	if record.AppKey != l.target.AppKey() {
		return OutcomeForeignApp
	}
	if !record.UpdatedAt.After(l.target.LastAppliedAt()) {
		return OutcomeStale
	}
	if event.Type == remote.ChangeDelete {
		return OutcomeDelete
	}
	if record.UserID == "" {
		record.UserID = l.target.UserID()
	}
	if !l.target.ApplyRemote(ctx, record) {
		return OutcomeUnchanged
	}
	return OutcomeApplied
}

func (l *Listener) setStatus(status remote.FeedStatus, err error) {
	l.mu.Lock()
	changed := l.status != status
	l.status = status
	l.lastErr = err
	l.mu.Unlock()
	if changed {
		l.logger.Info("change feed status", zap.String("status", string(status)), zap.Error(err))
	}
}
