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

package bridge

import (
	"context"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// Snapshot is a listener that keeps only the latest state of a channel.
// The request/response bridges use it to answer a single read or to wait
// for a channel to connect before writing.
type Snapshot struct {
	mu          sync.Mutex
	value       any
	hasValue    bool
	connected   bool
	severity    core.Severity
	writeAccess bool
	metadata    *core.Metadata
	changed     chan struct{}
}

func NewSnapshot() *Snapshot {
	return &Snapshot{changed: make(chan struct{})}
}

// notifyLocked wakes every waiter. Callers hold s.mu.
func (s *Snapshot) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Snapshot) OnValue(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.hasValue = v, true
	s.notifyLocked()
}

func (s *Snapshot) OnConnectionState(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	if !connected {
		s.value, s.hasValue = nil, false
	}
	s.notifyLocked()
}

func (s *Snapshot) OnSeverity(sev core.Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.severity = sev
	s.notifyLocked()
}

func (s *Snapshot) OnWriteAccess(writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeAccess = writable
	s.notifyLocked()
}

func (s *Snapshot) OnMetadata(m core.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = &m
	s.notifyLocked()
}

// wait blocks until cond holds or ctx is done.
func (s *Snapshot) wait(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		ok := cond()
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitValue blocks until the channel is connected and has a value.
func (s *Snapshot) WaitValue(ctx context.Context) error {
	return s.wait(ctx, func() bool { return s.connected && s.hasValue })
}

// WaitWritable blocks until the channel is connected and accepts writes.
func (s *Snapshot) WaitWritable(ctx context.Context) error {
	return s.wait(ctx, func() bool { return s.connected && s.writeAccess })
}

// Update renders the current state as a single update record.
func (s *Snapshot) Update(address string) core.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	connected, writable := s.connected, s.writeAccess
	u := core.Update{
		Kind:        core.UpdateValue,
		Address:     address,
		Connected:   &connected,
		Severity:    s.severity.String(),
		WriteAccess: &writable,
		Metadata:    s.metadata,
	}
	if s.hasValue {
		u.Value = s.value
	}
	return u
}
