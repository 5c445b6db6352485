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

// Package connection implements the shared fan-out connection used by every
// protocol. A Conn caches the last known state of one channel, replays it to
// listeners that join late and posts every update to the delivery context.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// WriteFunc forwards a listener write to the data source.
type WriteFunc func(ctx context.Context, v any, onComplete func(error)) error

// CloseFunc releases the data source behind a connection.
type CloseFunc func(ctx context.Context) error

type Option func(*Conn)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

func WithUpdateLogger(u *logging.UpdateLogger) Option {
	return func(c *Conn) { c.updates = u }
}

func WithWriter(w WriteFunc) Option {
	return func(c *Conn) { c.writer = w }
}

func WithCloser(fn CloseFunc) Option {
	return func(c *Conn) { c.closer = fn }
}

type registration struct {
	id       string
	listener core.Listener
	removed  atomic.Bool
}

// Conn is the fan-out half of a connection. It implements core.Connection
// for listeners and core.SourceSink for the source feeding it.
type Conn struct {
	protocol string
	key      string
	poster   core.Poster
	logger   *slog.Logger
	metrics  *metrics.Metrics
	updates  *logging.UpdateLogger

	mu        sync.Mutex
	state     core.State
	listeners map[string]*registration
	writer    WriteFunc
	closer    CloseFunc

	value    any
	hasValue bool

	severity    core.Severity
	hasSeverity bool

	writable       bool
	hasWriteAccess bool

	meta    core.Metadata
	hasMeta bool
}

// New returns an unsubscribed connection that posts its callbacks to poster.
func New(protocol, key string, poster core.Poster, opts ...Option) *Conn {
	c := &Conn{
		protocol:  protocol,
		key:       key,
		poster:    poster,
		logger:    slog.New(slog.DiscardHandler),
		state:     core.StateUnsubscribed,
		listeners: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("protocol", protocol, "key", key)
	return c
}

func (c *Conn) Protocol() string { return c.protocol }
func (c *Conn) Key() string      { return c.key }

func (c *Conn) State() core.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// MarkConnecting moves an unsubscribed connection to Connecting.
func (c *Conn) MarkConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateUnsubscribed {
		c.state = core.StateConnecting
	}
}

// AddListener registers l under id and replays the cached state to it.
// Adding an id that is already registered is a no-op.
func (c *Conn) AddListener(id string, l core.Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", core.ErrInvalidValue)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateClosed {
		return fmt.Errorf("%w: protocol=%s key=%s", core.ErrConnectionClosed, c.protocol, c.key)
	}
	if _, ok := c.listeners[id]; ok {
		return nil
	}

	reg := &registration{id: id, listener: l}
	c.listeners[id] = reg

	replay := c.replayLocked()
	c.poster.Post(func() {
		if reg.removed.Load() {
			return
		}
		c.call(reg, replay)
	})
	return nil
}

// RemoveListener drops the listener registered under id. Updates already
// posted but not yet delivered are not delivered to it.
func (c *Conn) RemoveListener(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.listeners[id]; ok {
		reg.removed.Store(true)
		delete(c.listeners, id)
	}
}

// replayLocked captures the cached state in the order a new listener
// should see it. Called with c.mu held.
func (c *Conn) replayLocked() func(core.Listener) {
	state := c.state
	meta, hasMeta := c.meta, c.hasMeta
	writable, hasWriteAccess := c.writable, c.hasWriteAccess
	severity, hasSeverity := c.severity, c.hasSeverity
	value, hasValue := c.value, c.hasValue && c.state == core.StateConnected

	return func(l core.Listener) {
		switch state {
		case core.StateConnected:
			l.OnConnectionState(true)
		case core.StateDisconnected:
			l.OnConnectionState(false)
		}
		if ml, ok := l.(core.MetadataListener); ok && hasMeta {
			ml.OnMetadata(meta)
		}
		if wl, ok := l.(core.WriteAccessListener); ok && hasWriteAccess {
			wl.OnWriteAccess(writable)
		}
		if hasSeverity {
			l.OnSeverity(severity)
		}
		if hasValue {
			l.OnValue(value)
		}
	}
}

// fanOutLocked posts deliver for every current listener. Called with c.mu
// held so that posts from one connection keep the order of the source.
func (c *Conn) fanOutLocked(kind core.UpdateKind, deliver func(core.Listener)) {
	if len(c.listeners) == 0 {
		return
	}
	snapshot := make([]*registration, 0, len(c.listeners))
	for _, reg := range c.listeners {
		snapshot = append(snapshot, reg)
	}
	c.updates.Log(c.protocol, c.key, kind, len(snapshot))
	c.metrics.UpdateFannedOut(c.protocol, string(kind))

	c.poster.Post(func() {
		for _, reg := range snapshot {
			if reg.removed.Load() {
				continue
			}
			c.call(reg, deliver)
		}
	})
}

// call runs one listener callback so that a panicking listener does not
// starve the others in the same fan-out.
func (c *Conn) call(reg *registration, deliver func(core.Listener)) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.ListenerPanic()
			c.logger.Error("listener panic recovered",
				"listener_id", reg.id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	deliver(reg.listener)
}

// OnValue caches v and fans it out. Values that arrive while the link is
// not connected are dropped.
func (c *Conn) OnValue(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != core.StateConnected {
		c.logger.Debug("value dropped while not connected", "state", c.state.String())
		return
	}
	c.value = v
	c.hasValue = true
	c.fanOutLocked(core.UpdateValue, func(l core.Listener) { l.OnValue(v) })
}

// OnConnectionState records a link transition. Entering Disconnected
// invalidates the cached value; repeated reports of the same state are
// ignored.
func (c *Conn) OnConnectionState(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := core.StateDisconnected
	if connected {
		next = core.StateConnected
	}
	if c.state == core.StateClosed || c.state == next {
		return
	}
	c.state = next
	if !connected {
		c.hasValue = false
		c.value = nil
	}
	c.logger.Debug("connection state changed", "state", next.String())
	c.fanOutLocked(core.UpdateConnection, func(l core.Listener) { l.OnConnectionState(connected) })
}

func (c *Conn) OnSeverity(s core.Severity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateClosed || (c.hasSeverity && c.severity == s) {
		return
	}
	c.severity = s
	c.hasSeverity = true
	c.fanOutLocked(core.UpdateSeverity, func(l core.Listener) { l.OnSeverity(s) })
}

func (c *Conn) OnWriteAccess(writable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateClosed || (c.hasWriteAccess && c.writable == writable) {
		return
	}
	c.writable = writable
	c.hasWriteAccess = true
	c.fanOutLocked(core.UpdateWriteAccess, func(l core.Listener) {
		if wl, ok := l.(core.WriteAccessListener); ok {
			wl.OnWriteAccess(writable)
		}
	})
}

func (c *Conn) OnMetadata(m core.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateClosed || (c.hasMeta && reflect.DeepEqual(c.meta, m)) {
		return
	}
	c.meta = m
	c.hasMeta = true
	c.fanOutLocked(core.UpdateMetadata, func(l core.Listener) {
		if ml, ok := l.(core.MetadataListener); ok {
			ml.OnMetadata(m)
		}
	})
}

// ReportError delivers a runtime error to listeners that implement
// core.ErrorListener. Errors are not cached.
func (c *Conn) ReportError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateClosed {
		return
	}
	c.fanOutLocked(core.UpdateError, func(l core.Listener) {
		if el, ok := l.(core.ErrorListener); ok {
			el.OnError(err)
		}
	})
}

// Value returns the cached value and whether it is currently valid.
func (c *Conn) Value() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.hasValue && c.state == core.StateConnected
}

// Write forwards v to the source. A connection without write access fails
// with ErrWriteNotPermitted and the source is never called. If Write returns
// an error, done is not called.
func (c *Conn) Write(ctx context.Context, v any, done func(error)) error {
	c.mu.Lock()
	state, writer := c.state, c.writer
	writable := c.hasWriteAccess && c.writable
	c.mu.Unlock()

	switch {
	case state == core.StateClosed:
		return fmt.Errorf("%w: protocol=%s key=%s", core.ErrConnectionClosed, c.protocol, c.key)
	case writer == nil || !writable:
		c.metrics.WriteFinished(c.protocol, "rejected")
		return fmt.Errorf("%w: protocol=%s key=%s", core.ErrWriteNotPermitted, c.protocol, c.key)
	case state != core.StateConnected:
		c.metrics.WriteFinished(c.protocol, "rejected")
		return fmt.Errorf("%w: protocol=%s key=%s", core.ErrNotConnected, c.protocol, c.key)
	}

	var once sync.Once
	complete := func(err error) {
		once.Do(func() {
			if err != nil {
				c.metrics.WriteFinished(c.protocol, "error")
				c.logger.Warn("write failed", "error", err)
			} else {
				c.metrics.WriteFinished(c.protocol, "ok")
			}
			if done != nil {
				done(err)
			}
		})
	}
	if err := writer(ctx, v, complete); err != nil {
		once.Do(func() { c.metrics.WriteFinished(c.protocol, "error") })
		return err
	}
	return nil
}

// Close moves the connection to Closed, drops every listener and releases
// the source. Closing twice is a no-op.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == core.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = core.StateClosed
	for id, reg := range c.listeners {
		reg.removed.Store(true)
		delete(c.listeners, id)
	}
	closer := c.closer
	c.hasValue = false
	c.mu.Unlock()

	c.logger.Debug("connection closed")
	if closer != nil {
		return closer(ctx)
	}
	return nil
}

// Open connects src to payload and returns a connection fed by it.
func Open(ctx context.Context, src core.Source, protocol, key, payload string, poster core.Poster, opts ...Option) (*Conn, error) {
	h, err := src.Connect(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("connect %s://%s: %w", protocol, payload, err)
	}

	c := New(protocol, key, poster, opts...)
	c.writer = func(ctx context.Context, v any, onComplete func(error)) error {
		return src.Write(ctx, h, v, onComplete)
	}
	c.closer = func(ctx context.Context) error {
		return src.Disconnect(ctx, h)
	}
	c.MarkConnecting()

	if err := src.Subscribe(h, c); err != nil {
		_ = src.Disconnect(ctx, h)
		return nil, fmt.Errorf("subscribe %s://%s: %w", protocol, payload, err)
	}
	return c, nil
}
