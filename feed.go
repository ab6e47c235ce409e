package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const feedBufferSize = 32

type FeedSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultFeedSettings() *FeedSettings {
	return &FeedSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type feedAuth struct {
	Session string `json:"session"`
	Scope   string `json:"scope"`
}

// one live websocket subscription to the remote event feed.
// a dropped connection is terminal: the events channel closes and Err
// reports the reason. reconnection is the caller's responsibility via a
// fresh subscribe.
type websocketFeed struct {
	ctx    context.Context
	cancel context.CancelFunc

	scope Scope

	ws     *websocket.Conn
	events chan *LogEntry

	settings *FeedSettings

	closeOnce sync.Once

	stateLock sync.Mutex
	err       error
}

func subscribeFeed(ctx context.Context, feedUrl string, session string, scope Scope, settings *FeedSettings) (Feed, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	url := fmt.Sprintf("%s/feed?scope=%s", feedUrl, scope)
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, newNetworkError("feed dial", err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authBytes, err := json.Marshal(&feedAuth{
		Session: session,
		Scope:   scope.String(),
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, newNetworkError("feed auth", err)
	}
	ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	if messageType, message, err := ws.ReadMessage(); err != nil {
		return nil, newNetworkError("feed auth", err)
	} else {
		// verify the auth echo
		switch messageType {
		case websocket.BinaryMessage:
			if !bytes.Equal(authBytes, message) {
				return nil, newNetworkError("feed auth", fmt.Errorf("auth response error: bad bytes"))
			}
		default:
			return nil, newNetworkError("feed auth", fmt.Errorf("auth response error"))
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	feed := &websocketFeed{
		ctx:      cancelCtx,
		cancel:   cancel,
		scope:    scope,
		ws:       ws,
		events:   make(chan *LogEntry, feedBufferSize),
		settings: settings,
	}

	success = true
	go feed.run()
	return feed, nil
}

func (self *websocketFeed) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		close(self.events)
	}()

	// ping writer
	go func() {
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					self.cancel()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[feed]%s<- error = %s\n", self.scope, err)
			self.setErr(newNetworkError("feed read", err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[feed]ping %s<-\n", self.scope)
				continue
			}

			entry := &LogEntry{}
			if err := json.Unmarshal(message, entry); err != nil {
				glog.Infof("[feed]%s<- bad entry = %s\n", self.scope, err)
				continue
			}

			select {
			case <-self.ctx.Done():
				return
			case self.events <- entry:
				glog.V(2).Infof("[feed]%s<- position=%d\n", self.scope, entry.Position)
			}
		default:
			glog.V(2).Infof("[feed]other=%d %s<-\n", messageType, self.scope)
		}
	}
}

func (self *websocketFeed) setErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err == nil {
		self.err = err
	}
}

func (self *websocketFeed) Events() <-chan *LogEntry {
	return self.events
}

func (self *websocketFeed) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

// idempotent. releases the underlying connection exactly once.
func (self *websocketFeed) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.ws.Close()
	})
}
