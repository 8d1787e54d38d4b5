package httpremote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const maxMessageBytes = 8 << 20

// SubscribeChanges opens a websocket change feed for the user. The feed
// reconnects with exponential backoff after transport failures and stops on
// auth failures or Close.
func (c *Client) SubscribeChanges(ctx context.Context, request remote.SubscribeRequest) (remote.Subscription, error) {
	feedCtx, cancel := context.WithCancel(ctx)
	f := &feed{
		client:  c,
		request: request,
		ctx:     feedCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go f.run()
	return f, nil
}

type feed struct {
	client  *Client
	request remote.SubscribeRequest
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (f *feed) Close() error {
	f.once.Do(func() {
		f.cancel()
		<-f.done
	})
	return nil
}

func (f *feed) run() {
	defer close(f.done)
	delay := f.client.reconnectDelay
	for {
		f.report(remote.FeedConnecting, nil)
		connected, err := f.session()
		if f.ctx.Err() != nil {
			f.report(remote.FeedClosed, nil)
			return
		}
		f.report(remote.FeedError, err)
		if remote.KindOf(err) == remote.KindAuth {
			f.client.logger.Warn("change feed stopped", zap.String("table", f.request.Table), zap.Error(err))
			return
		}
		if connected {
			delay = f.client.reconnectDelay
		}
		f.client.logger.Debug("change feed reconnecting", zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-f.ctx.Done():
			timer.Stop()
			f.report(remote.FeedClosed, nil)
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > f.client.maxReconnectDelay {
			delay = f.client.maxReconnectDelay
		}
	}
}

// session dials once and pumps events until the connection ends.
func (f *feed) session() (bool, error) {
	const op = "subscribe_changes"
	token, err := f.client.tokens.Token(f.ctx)
	if err != nil {
		return false, remote.Classify(op, err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	query := url.Values{"user_id": {f.request.UserID}}
	conn, response, err := websocket.Dial(f.ctx, f.client.endpoint("/v1/changes/"+f.request.Table, query), &websocket.DialOptions{
		HTTPClient: f.client.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if response != nil && response.StatusCode >= http.StatusBadRequest {
			return false, classifyResponse(op, response.StatusCode, ErrorBody{Message: err.Error()})
		}
		return false, remote.NewError(remote.KindConnectivity, op, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageBytes)

	f.report(remote.FeedSubscribed, nil)
	for {
		_, data, err := conn.Read(f.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return true, remote.NewError(remote.KindAuth, op, err)
			}
			return true, remote.NewError(remote.KindConnectivity, op, err)
		}
		var event remote.ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			f.client.logger.Warn("change feed message unreadable", zap.Error(err))
			continue
		}
		if event.Table == "" {
			event.Table = f.request.Table
		}
		if f.request.OnEvent != nil {
			f.request.OnEvent(event)
		}
	}
}

func (f *feed) report(status remote.FeedStatus, err error) {
	if f.request.OnStatus == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	f.request.OnStatus(status, err)
}
