// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package ws exposes the dispatcher to remote displays over WebSocket.
// Clients send JSON requests and receive a stream of JSON updates.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/bridge"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// Request operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpWrite       = "write"
)

// Request is one client message. ID is chosen by the client and names the
// subscription in later requests and in every update.
type Request struct {
	Op        string `json:"op"`
	ID        string `json:"id"`
	Address   string `json:"address,omitempty"`
	Value     any    `json:"value,omitempty"`
	Wait      bool   `json:"wait,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type Option func(*Entrypoint)

// WithWriteRate limits how many writes per second a single client may send.
func WithWriteRate(limit rate.Limit, burst int) Option {
	return func(e *Entrypoint) {
		e.writeRate = limit
		e.writeBurst = burst
	}
}

func WithOutboxSize(n int) Option {
	return func(e *Entrypoint) { e.outboxSize = n }
}

type Entrypoint struct {
	name       string
	port       int
	upgrader   websocket.Upgrader
	dispatcher core.Dispatcher
	server     *http.Server
	logger     *slog.Logger

	writeRate  rate.Limit
	writeBurst int
	outboxSize int

	clients sync.Map
}

func New(name string, port int, logger *slog.Logger, opts ...Option) *Entrypoint {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Entrypoint{
		name: name,
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:     logger,
		writeRate:  rate.Limit(20),
		writeBurst: 40,
		outboxSize: 1024,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "websocket" }

// Handler returns the HTTP handler serving WebSocket upgrades against d.
func (e *Entrypoint) Handler(d core.Dispatcher) http.Handler {
	e.dispatcher = d
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleConnection)
	return mux
}

func (e *Entrypoint) Start(ctx context.Context, dispatcher core.Dispatcher) error {
	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.port),
		Handler: e.Handler(dispatcher),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("websocket entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	e.clients.Range(func(_, val any) bool {
		val.(*client).close(ctx)
		return true
	})
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

type client struct {
	id         string
	conn       *websocket.Conn
	outbox     *bridge.Outbox
	limiter    *rate.Limiter
	dispatcher core.Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[string]core.Subscription
	closed bool
}

func (e *Entrypoint) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("ws upgrade failed", "error", err)
		return
	}

	clientID := core.DisplayID(r)
	c := &client{
		id:         clientID,
		conn:       conn,
		outbox:     bridge.NewOutbox(e.outboxSize, clientID, e.logger),
		limiter:    rate.NewLimiter(e.writeRate, e.writeBurst),
		dispatcher: e.dispatcher,
		logger:     e.logger,
		subs:       make(map[string]core.Subscription),
	}
	e.clients.Store(c, c)

	defer func() {
		e.clients.Delete(c)
		c.close(context.Background())
		e.logger.Info("ws client disconnected", "client_id", clientID)
	}()

	e.logger.Info("ws client connected", "client_id", clientID)

	go c.downstreamLoop()
	c.upstreamLoop(r.Context())
}

func (c *client) downstreamLoop() {
	for u := range c.outbox.C() {
		data, err := json.Marshal(u)
		if err != nil {
			c.logger.Error("marshal update failed", "client_id", c.id, "error", err)
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Error("ws write failed", "client_id", c.id, "error", err)
			return
		}
	}
	if c.outbox.Overflowed() {
		c.logger.Warn("ws client too slow, closing", "client_id", c.id)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "outbox overflow")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	}
}

func (c *client) upstreamLoop(ctx context.Context) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("ws read error", "client_id", c.id, "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			c.reply(req.ID, "", fmt.Errorf("invalid request: %w", err))
			continue
		}
		c.handle(ctx, req)
	}
}

func (c *client) reply(id, address string, err error) {
	u := core.Update{
		Kind:           core.UpdateError,
		SubscriptionID: id,
		Address:        address,
		Error:          err.Error(),
		Timestamp:      time.Now().UTC(),
	}
	c.outbox.Send(u)
}

func (c *client) handle(ctx context.Context, req Request) {
	if req.ID == "" {
		c.reply("", req.Address, errors.New("request id is required"))
		return
	}
	switch req.Op {
	case OpSubscribe:
		c.subscribe(ctx, req)
	case OpUnsubscribe:
		c.unsubscribe(ctx, req)
	case OpWrite:
		c.write(ctx, req)
	default:
		c.reply(req.ID, req.Address, fmt.Errorf("unknown op %q", req.Op))
	}
}

func (c *client) subscribe(ctx context.Context, req Request) {
	c.mu.Lock()
	_, exists := c.subs[req.ID]
	c.mu.Unlock()
	if exists {
		c.reply(req.ID, req.Address, fmt.Errorf("subscription id %s already in use", req.ID))
		return
	}

	l := bridge.NewListener(req.ID, req.Address, c.outbox.Send)
	sub, err := c.dispatcher.Subscribe(ctx, l, req.Address)
	if err != nil {
		c.reply(req.ID, req.Address, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.dispatcher.Unsubscribe(context.Background(), sub)
		return
	}
	c.subs[req.ID] = sub
	c.mu.Unlock()
	c.logger.Debug("ws subscribe", "client_id", c.id, "id", req.ID, "address", req.Address)
}

func (c *client) unsubscribe(ctx context.Context, req Request) {
	c.mu.Lock()
	sub, ok := c.subs[req.ID]
	delete(c.subs, req.ID)
	c.mu.Unlock()
	if !ok {
		c.reply(req.ID, req.Address, fmt.Errorf("%w: id=%s", core.ErrSubscriptionNotFound, req.ID))
		return
	}
	if err := c.dispatcher.Unsubscribe(ctx, sub); err != nil {
		c.reply(req.ID, sub.Address().Raw, err)
	}
}

func (c *client) write(ctx context.Context, req Request) {
	c.mu.Lock()
	sub, ok := c.subs[req.ID]
	c.mu.Unlock()
	if !ok {
		c.outbox.Send(bridge.WriteResult(req.ID, req.Address, fmt.Errorf("%w: id=%s", core.ErrSubscriptionNotFound, req.ID)))
		return
	}
	address := sub.Address().Raw
	if !c.limiter.Allow() {
		c.outbox.Send(bridge.WriteResult(req.ID, address, errors.New("write rate limit exceeded")))
		return
	}

	if !req.Wait {
		c.outbox.Send(bridge.WriteResult(req.ID, address, sub.Write(ctx, req.Value)))
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	go func() {
		err := sub.WriteAndWait(ctx, req.Value, timeout)
		c.outbox.Send(bridge.WriteResult(req.ID, address, err))
	}()
}

// close releases every subscription the client holds and ends the
// downstream loop.
func (c *client) close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.dispatcher.Unsubscribe(ctx, sub); err != nil {
			c.logger.Warn("ws unsubscribe failed", "client_id", c.id, "error", err)
		}
	}
	c.outbox.Close()
	c.conn.Close()
}
