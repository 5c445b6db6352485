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

// Package bridge adapts dispatcher subscriptions to remote displays. A
// Listener turns callbacks into core.Update records and an Outbox buffers
// them for a single network writer.
package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// Listener implements every listener interface and forwards each callback
// to send. It runs on the delivery goroutine, so send must not block.
type Listener struct {
	id      string
	address string
	send    func(core.Update)
}

func NewListener(id, address string, send func(core.Update)) *Listener {
	return &Listener{id: id, address: address, send: send}
}

func (l *Listener) update(kind core.UpdateKind) core.Update {
	return core.Update{
		Kind:           kind,
		SubscriptionID: l.id,
		Address:        l.address,
		Timestamp:      time.Now().UTC(),
	}
}

func (l *Listener) OnValue(v any) {
	u := l.update(core.UpdateValue)
	u.Value = v
	l.send(u)
}

func (l *Listener) OnConnectionState(connected bool) {
	u := l.update(core.UpdateConnection)
	u.Connected = &connected
	l.send(u)
}

func (l *Listener) OnSeverity(s core.Severity) {
	u := l.update(core.UpdateSeverity)
	u.Severity = s.String()
	l.send(u)
}

func (l *Listener) OnWriteAccess(writable bool) {
	u := l.update(core.UpdateWriteAccess)
	u.WriteAccess = &writable
	l.send(u)
}

func (l *Listener) OnMetadata(m core.Metadata) {
	u := l.update(core.UpdateMetadata)
	u.Metadata = &m
	l.send(u)
}

func (l *Listener) OnError(err error) {
	u := l.update(core.UpdateError)
	u.Error = err.Error()
	l.send(u)
}

// WriteResult builds the update reporting the outcome of a write.
func WriteResult(id, address string, err error) core.Update {
	u := core.Update{
		Kind:           core.UpdateWriteResult,
		SubscriptionID: id,
		Address:        address,
		Timestamp:      time.Now().UTC(),
	}
	if err != nil {
		u.Error = err.Error()
	}
	return u
}

// Outbox is a bounded buffer between the delivery goroutine and one
// network writer. When the writer falls behind, values, severities and
// metadata are dropped. Connection-state changes and write results are
// never dropped: they evict the oldest droppable update, and if none is
// left the outbox closes as overflowed so the writer can end the client.
type Outbox struct {
	logger  *slog.Logger
	client  string
	ch      chan core.Update
	dropped atomic.Int64

	mu         sync.Mutex
	closed     bool
	overflowed bool
}

func NewOutbox(size int, client string, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if size <= 0 {
		size = 256
	}
	return &Outbox{
		logger: logger,
		client: client,
		ch:     make(chan core.Update, size),
	}
}

func retained(kind core.UpdateKind) bool {
	return kind == core.UpdateConnection || kind == core.UpdateWriteResult
}

// Send queues u without blocking. It is a no-op after Close.
func (o *Outbox) Send(u core.Update) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- u:
		return
	default:
	}

	if !retained(u.Kind) {
		o.drop()
		return
	}
	if o.evictLocked() {
		select {
		case o.ch <- u:
			return
		default:
		}
	}
	o.logger.Warn("outbox overflowed, closing client", "client_id", o.client, "kind", u.Kind)
	o.overflowed = true
	o.closed = true
	close(o.ch)
}

func (o *Outbox) drop() {
	if o.dropped.Add(1) == 1 {
		o.logger.Warn("outbox full, dropping updates", "client_id", o.client)
	}
}

// evictLocked removes the oldest droppable update from the buffer and
// reports whether one was found. Send is the only producer and holds o.mu,
// so the buffered updates are taken out and put back in their order.
func (o *Outbox) evictLocked() bool {
	buffered := make([]core.Update, 0, len(o.ch))
drain:
	for len(buffered) < cap(o.ch) {
		select {
		case u := <-o.ch:
			buffered = append(buffered, u)
		default:
			break drain
		}
	}

	evicted := false
	for i, u := range buffered {
		if !retained(u.Kind) {
			buffered = append(buffered[:i], buffered[i+1:]...)
			evicted = true
			o.drop()
			break
		}
	}
	for _, u := range buffered {
		o.ch <- u
	}
	return evicted || len(buffered) < cap(o.ch)
}

func (o *Outbox) C() <-chan core.Update {
	return o.ch
}

func (o *Outbox) Dropped() int64 {
	return o.dropped.Load()
}

// Overflowed reports whether the outbox closed itself because a
// connection-state change or write result could not be queued.
func (o *Outbox) Overflowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflowed
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
