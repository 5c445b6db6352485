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

// Package dispatch resolves channel addresses to shared connections and
// tracks the subscriptions listeners hold on them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/registry"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

const DefaultWriteTimeout = 5 * time.Second

// Resolver finds the plugin serving a protocol.
type Resolver interface {
	Lookup(protocol string) (core.Plugin, bool)
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.SetWriteTimeout(timeout) }
}

// nestedKey marks the context handed to a plugin while it builds a
// connection. Subscriptions made under it belong to that connection.
type nestedKey struct{}

type Dispatcher struct {
	resolver     Resolver
	connections  *registry.Registry
	poster       core.Poster
	logger       *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout atomic.Int64
	subs         sync.Map
}

func New(resolver Resolver, connections *registry.Registry, poster core.Poster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver:    resolver,
		connections: connections,
		poster:      poster,
		logger:      slog.New(slog.DiscardHandler),
	}
	d.writeTimeout.Store(int64(DefaultWriteTimeout))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetWriteTimeout changes the default timeout used by WriteAndWait.
// Non-positive values are ignored.
func (d *Dispatcher) SetWriteTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.writeTimeout.Store(int64(timeout))
	}
}

func (d *Dispatcher) WriteTimeout() time.Duration {
	return time.Duration(d.writeTimeout.Load())
}

// Subscribe registers l on the shared connection for address, creating the
// connection if this is its first listener. Address and protocol errors are
// returned before any connection is created.
func (d *Dispatcher) Subscribe(ctx context.Context, l core.Listener, address string) (core.Subscription, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil listener", core.ErrInvalidValue)
	}
	addr, err := core.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	plugin, ok := d.resolver.Lookup(addr.Protocol)
	if !ok {
		return nil, fmt.Errorf("%w: protocol=%s address=%s", core.ErrUnknownProtocol, addr.Protocol, address)
	}

	key, err := plugin.ConnectionKey(addr.Payload)
	if err != nil {
		if errors.Is(err, core.ErrMalformedAddress) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: address=%s: %v", core.ErrMalformedAddress, address, err)
	}

	handle, err := d.connections.Acquire(ctx, addr.Protocol, key, func(ctx context.Context) (core.Connection, error) {
		return plugin.NewConnection(context.WithValue(ctx, nestedKey{}, key), key, addr.Payload, d.poster)
	})
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:         uuid.NewString(),
		address:    addr,
		listener:   l,
		handle:     handle,
		dispatcher: d,
		done:       make(chan struct{}),
		nested:     ctx.Value(nestedKey{}) != nil,
	}
	if err := handle.Connection().AddListener(sub.id, l); err != nil {
		_ = handle.Release(ctx)
		return nil, err
	}
	d.subs.Store(sub.id, sub)
	d.metrics.SubscriptionAdded()

	d.logger.Debug("subscribed",
		"subscription_id", sub.id,
		"address", addr.Raw,
		"key", key,
	)
	return sub, nil
}

// Unsubscribe removes the listener and drops its reference on the
// connection. A subscription can be unsubscribed once; the second call
// fails with ErrDoubleUnsubscribe.
func (d *Dispatcher) Unsubscribe(ctx context.Context, s core.Subscription) error {
	sub, ok := s.(*subscription)
	if !ok || sub == nil || sub.dispatcher != d {
		return fmt.Errorf("%w: foreign subscription", core.ErrSubscriptionNotFound)
	}
	if !sub.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: id=%s", core.ErrDoubleUnsubscribe, sub.id)
	}

	d.subs.Delete(sub.id)
	close(sub.done)
	sub.handle.Connection().RemoveListener(sub.id)
	d.metrics.SubscriptionRemoved()

	d.logger.Debug("unsubscribed", "subscription_id", sub.id, "address", sub.address.Raw)
	return sub.handle.Release(ctx)
}

// UnsubscribeAll releases every subscription made by an outside listener.
// Subscriptions a connection holds on its own inputs are left to that
// connection, which releases them when its last listener goes.
func (d *Dispatcher) UnsubscribeAll(ctx context.Context) {
	var outer []*subscription
	d.subs.Range(func(_, val any) bool {
		if sub := val.(*subscription); !sub.nested {
			outer = append(outer, sub)
		}
		return true
	})
	for _, sub := range outer {
		if err := d.Unsubscribe(ctx, sub); err != nil && !errors.Is(err, core.ErrDoubleUnsubscribe) {
			d.logger.Warn("unsubscribe error", "subscription_id", sub.id, "error", err)
		}
	}
}

func (d *Dispatcher) ActiveCount() int {
	count := 0
	d.subs.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// ConnectionCount returns the number of live shared connections.
func (d *Dispatcher) ConnectionCount() int {
	return d.connections.Len()
}

func (d *Dispatcher) reportWriteError(sub *subscription, err error) {
	d.logger.Warn("write failed",
		"subscription_id", sub.id,
		"address", sub.address.Raw,
		"error", err,
	)
	el, ok := sub.listener.(core.ErrorListener)
	if !ok {
		return
	}
	d.poster.Post(func() {
		if !sub.closed.Load() {
			el.OnError(err)
		}
	})
}

type subscription struct {
	id         string
	address    core.Address
	listener   core.Listener
	handle     *registry.Handle
	dispatcher *Dispatcher
	done       chan struct{}
	nested     bool
	closed     atomic.Bool
}

func (s *subscription) ID() string                  { return s.id }
func (s *subscription) Address() core.Address       { return s.address }
func (s *subscription) Connection() core.Connection { return s.handle.Connection() }
func (s *subscription) Done() <-chan struct{}       { return s.done }

// Write forwards v without waiting for completion. Rejections are returned;
// a failure reported later by the source goes to the listener's OnError.
func (s *subscription) Write(ctx context.Context, v any) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: id=%s", core.ErrSubscriptionNotFound, s.id)
	}
	return s.handle.Connection().Write(ctx, v, func(err error) {
		if err != nil {
			s.dispatcher.reportWriteError(s, err)
		}
	})
}

// WriteAndWait forwards v and blocks until the source completes the write,
// the timeout passes, ctx is done or the subscription is unsubscribed. The
// last three fail with ErrWriteTimeoutOrCancelled. A non-positive timeout
// selects the dispatcher default. Never call it from the delivery context.
func (s *subscription) WriteAndWait(ctx context.Context, v any, timeout time.Duration) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: id=%s", core.ErrSubscriptionNotFound, s.id)
	}
	if timeout <= 0 {
		timeout = s.dispatcher.WriteTimeout()
	}

	result := make(chan error, 1)
	if err := s.handle.Connection().Write(ctx, v, func(err error) { result <- err }); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: address=%s timeout=%s", core.ErrWriteTimeoutOrCancelled, s.address.Raw, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: address=%s: %v", core.ErrWriteTimeoutOrCancelled, s.address.Raw, ctx.Err())
	case <-s.done:
		return fmt.Errorf("%w: address=%s: unsubscribed", core.ErrWriteTimeoutOrCancelled, s.address.Raw)
	}
}
