package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// notification is the NOTIFY payload emitted by the snapshot trigger.
type notification struct {
	Type      remote.ChangeType `json:"type"`
	UserID    string            `json:"user_id"`
	AppKey    string            `json:"app_key"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SubscribeChanges listens on ChangeChannel on a dedicated connection. Only
// the snapshot table has a feed; notifications for other users are dropped
// and the changed record is fetched before delivery.
func (s *Store) SubscribeChanges(ctx context.Context, request remote.SubscribeRequest) (remote.Subscription, error) {
	if request.Table != remote.SnapshotTable {
		err := remote.SchemaError("subscribe_changes", request.Table, errors.New("change feed is only available for the snapshot table"))
		if request.OnStatus != nil {
			request.OnStatus(remote.FeedError, err)
		}
		return nil, err
	}
	feedCtx, cancel := context.WithCancel(ctx)
	l := &listenFeed{
		store:   s,
		request: request,
		ctx:     feedCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

type listenFeed struct {
	store   *Store
	request remote.SubscribeRequest
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (l *listenFeed) Close() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
	})
	return nil
}

func (l *listenFeed) run() {
	defer close(l.done)
	delay := l.store.reconnectDelay
	for {
		l.report(remote.FeedConnecting, nil)
		connected, err := l.session()
		if l.ctx.Err() != nil {
			l.report(remote.FeedClosed, nil)
			return
		}
		l.report(remote.FeedError, err)
		if remote.KindOf(err) == remote.KindAuth {
			l.store.logger.Warn("change feed stopped", zap.Error(err))
			return
		}
		if connected {
			delay = l.store.reconnectDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			l.report(remote.FeedClosed, nil)
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > l.store.maxReconnectDelay {
			delay = l.store.maxReconnectDelay
		}
	}
}

func (l *listenFeed) session() (bool, error) {
	const op = "subscribe_changes"
	conn, err := l.store.pool.Acquire(l.ctx)
	if err != nil {
		return false, classify(op, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(l.ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return false, classify(op, err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := conn.Exec(unlistenCtx, "UNLISTEN *"); err != nil {
			conn.Conn().Close(unlistenCtx)
		}
	}()

	l.report(remote.FeedSubscribed, nil)
	for {
		received, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return true, classify(op, err)
		}
		var payload notification
		if err := json.Unmarshal([]byte(received.Payload), &payload); err != nil {
			l.store.logger.Warn("change notification unreadable", zap.Error(err))
			continue
		}
		if payload.UserID != l.request.UserID {
			continue
		}
		l.deliver(payload)
	}
}

func (l *listenFeed) deliver(payload notification) {
	event := remote.ChangeEvent{
		Table: remote.SnapshotTable,
		Type:  payload.Type,
		Record: remote.SnapshotRecord{
			UserID:    payload.UserID,
			AppKey:    payload.AppKey,
			UpdatedAt: payload.UpdatedAt.UTC(),
		},
	}
	if payload.Type != remote.ChangeDelete {
		record, found, err := l.store.FetchSnapshot(l.ctx, payload.UserID, payload.AppKey)
		if err != nil {
			l.store.logger.Warn("changed snapshot not fetched",
				zap.String("app_key", payload.AppKey),
				zap.Error(err))
			return
		}
		if !found {
			return
		}
		event.Record = record
	}
	if l.request.OnEvent != nil {
		l.request.OnEvent(event)
	}
}

func (l *listenFeed) report(status remote.FeedStatus, err error) {
	if l.request.OnStatus == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	l.request.OnStatus(status, err)
}
