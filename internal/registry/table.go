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

// Package registry keeps, per protocol, the single shared connection for
// each connection key and counts the references held on it.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// Factory builds the connection for a key the first time it is acquired.
type Factory func(ctx context.Context) (core.Connection, error)

type entry struct {
	key   string
	ready chan struct{}
	conn  core.Connection
	err   error
	refs  int
}

// Table maps connection keys of one protocol to shared connections.
type Table struct {
	protocol string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable(protocol string, logger *slog.Logger, m *metrics.Metrics) *Table {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Table{
		protocol: protocol,
		logger:   logger,
		metrics:  m,
		entries:  make(map[string]*entry),
	}
}

func (t *Table) Protocol() string {
	return t.protocol
}

// Acquire returns a handle on the connection for key, building it with
// factory if no live connection exists. Concurrent acquirers of a key that
// is still being built wait for the first build and share its result. A
// failed build leaves no entry behind.
func (t *Table) Acquire(ctx context.Context, key string, factory Factory) (*Handle, error) {
	t.mu.Lock()
	if e, ok := t.entries[key]; ok {
		e.refs++
		t.mu.Unlock()
		return t.await(ctx, e)
	}

	e := &entry{key: key, ready: make(chan struct{}), refs: 1}
	t.entries[key] = e
	t.mu.Unlock()

	conn, err := t.build(ctx, factory)

	t.mu.Lock()
	if err != nil {
		if t.entries[key] == e {
			delete(t.entries, key)
		}
		e.err = err
		e.refs = 0
		t.mu.Unlock()
		close(e.ready)
		t.logger.Warn("connection build failed", "protocol", t.protocol, "key", key, "error", err)
		return nil, err
	}
	e.conn = conn
	t.mu.Unlock()
	close(e.ready)

	t.metrics.ConnectionOpened(t.protocol)
	t.logger.Info("connection created", "protocol", t.protocol, "key", key)
	return &Handle{table: t, entry: e}, nil
}

func (t *Table) build(ctx context.Context, factory Factory) (conn core.Connection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection factory panic: %v", r)
		}
	}()
	conn, err = factory(ctx)
	if err == nil && conn == nil {
		err = fmt.Errorf("connection factory returned no connection")
	}
	return conn, err
}

func (t *Table) await(ctx context.Context, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		t.mu.Lock()
		switch {
		case e.err != nil:
			t.mu.Unlock()
		case e.conn != nil:
			t.mu.Unlock()
			_ = t.release(context.WithoutCancel(ctx), e)
		default:
			// The builder still holds its own reference, so this cannot
			// drop the count to zero while the build is in flight.
			e.refs--
			t.mu.Unlock()
		}
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return &Handle{table: t, entry: e}, nil
}

func (t *Table) release(ctx context.Context, e *entry) error {
	t.mu.Lock()
	if e.refs <= 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: protocol=%s key=%s", core.ErrExtraRelease, t.protocol, e.key)
	}
	e.refs--
	if e.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	if t.entries[e.key] == e {
		delete(t.entries, e.key)
	}
	t.mu.Unlock()

	t.metrics.ConnectionClosed(t.protocol)
	t.logger.Info("connection released", "protocol", t.protocol, "key", e.key)
	if err := e.conn.Close(ctx); err != nil {
		return fmt.Errorf("close connection %s: %w", e.key, err)
	}
	return nil
}

// Len returns the number of live entries, including those still being built.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Refs returns the reference count held on key, or 0 if key is not live.
func (t *Table) Refs(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Lookup returns the built connection for key without taking a reference.
func (t *Table) Lookup(key string) (core.Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Keys returns the live keys in sorted order.
func (t *Table) Keys() []string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// CloseAll drops every entry regardless of its reference count and closes
// the connections. Outstanding handles fail with ErrExtraRelease afterwards.
func (t *Table) CloseAll(ctx context.Context) {
	t.mu.Lock()
	var live []*entry
	for k, e := range t.entries {
		delete(t.entries, k)
		if e.conn != nil {
			e.refs = 0
			live = append(live, e)
		}
	}
	t.mu.Unlock()

	for _, e := range live {
		t.metrics.ConnectionClosed(t.protocol)
		if err := e.conn.Close(ctx); err != nil {
			t.logger.Warn("connection close error", "protocol", t.protocol, "key", e.key, "error", err)
		}
	}
}

// Handle is one reference on a shared connection.
type Handle struct {
	table    *Table
	entry    *entry
	released atomic.Bool
}

func (h *Handle) Connection() core.Connection {
	return h.entry.conn
}

func (h *Handle) Key() string {
	return h.entry.key
}

func (h *Handle) Protocol() string {
	return h.table.protocol
}

// Release drops this reference. The last release removes the entry and
// closes the connection. Releasing a handle twice fails with ErrExtraRelease.
func (h *Handle) Release(ctx context.Context) error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: protocol=%s key=%s", core.ErrExtraRelease, h.table.protocol, h.entry.key)
	}
	return h.table.release(ctx, h.entry)
}

// Registry holds one Table per protocol.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	tables map[string]*Table
}

func New(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:  logger,
		metrics: m,
		tables:  make(map[string]*Table),
	}
}

// Table returns the table for protocol, creating it on first use.
func (r *Registry) Table(protocol string) *Table {
	r.mu.RLock()
	t, ok := r.tables[protocol]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[protocol]; ok {
		return t
	}
	t = NewTable(protocol, r.logger, r.metrics)
	r.tables[protocol] = t
	return t
}

func (r *Registry) Acquire(ctx context.Context, protocol, key string, factory Factory) (*Handle, error) {
	return r.Table(protocol).Acquire(ctx, key, factory)
}

// Len returns the number of live entries across all protocols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tables {
		n += t.Len()
	}
	return n
}

func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	tables := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.RUnlock()
	for _, t := range tables {
		t.CloseAll(ctx)
	}
}
