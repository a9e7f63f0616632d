package livesession

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type FeedClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultFeedClientSettings() *FeedClientSettings {
	return &FeedClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

type feedAuth struct {
	Bearer    string `json:"bearer"`
	SessionId Id     `json:"session_id"`
}

// websocket consumer of the persistence layer's change feed. one
// connection per session id, resubscribed transparently on reconnect.
// the engine consumes this feed; it never produces into it.
type FeedClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	feedUrl     string
	tokenSource TokenSource
	sessionId   Id

	eventCallbacks *CallbackList[FeedEventFunction]

	settings *FeedClientSettings
}

func NewFeedClientWithDefaults(ctx context.Context, feedUrl string, tokenSource TokenSource, sessionId Id) *FeedClient {
	return NewFeedClient(ctx, feedUrl, tokenSource, sessionId, DefaultFeedClientSettings())
}

func NewFeedClient(ctx context.Context, feedUrl string, tokenSource TokenSource, sessionId Id, settings *FeedClientSettings) *FeedClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	feedClient := &FeedClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		feedUrl:        feedUrl,
		tokenSource:    tokenSource,
		sessionId:      sessionId,
		eventCallbacks: NewCallbackList[FeedEventFunction](),
		settings:       settings,
	}
	go feedClient.run()
	return feedClient
}

// `ChangeFeed`. the client is already keyed to one session; a subscription
// for another session id never fires.
func (self *FeedClient) Subscribe(sessionId Id, callback FeedEventFunction) func() {
	if sessionId != self.sessionId {
		return func() {}
	}
	callbackId := self.eventCallbacks.Add(callback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *FeedClient) Close() {
	self.cancel()
}

func (self *FeedClient) run() {
	defer self.cancel()

	for {
		connect := func() (*websocket.Conn, error) {
			token, err := self.tokenSource.Token(self.ctx)
			if err != nil {
				return nil, err
			}

			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.feedUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes, err := json.Marshal(&feedAuth{
				Bearer:    token,
				SessionId: self.sessionId,
			})
			if err != nil {
				return nil, err
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else if messageType != websocket.TextMessage || string(message) != "ok" {
				return nil, fmt.Errorf("feed subscribe error")
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.V(2).Infof("[feed]connect %s = %s\n", self.sessionId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *FeedClient) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				// a deadline timeout cannot be recovered on websocket
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[feed]%s<- error = %s\n", self.sessionId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if len(message) == 0 {
				// ping
				continue
			}

			var event FeedEvent
			if err := json.Unmarshal(message, &event); err != nil {
				glog.Infof("[feed]%s<- bad event = %s\n", self.sessionId, err)
				continue
			}
			if event.SessionId != self.sessionId {
				continue
			}
			for _, eventCallback := range self.eventCallbacks.Get() {
				eventCallback(&event)
			}
		default:
		}
	}
}
