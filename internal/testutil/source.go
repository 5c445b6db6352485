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

package testutil

import (
	"context"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// WriteCall records one Source.Write.
type WriteCall struct {
	Payload string
	Value   any
}

type mockHandle struct {
	payload string
}

// MockSource is a core.Source driven by the test. Every payload gets its
// own handle; the sink handed to Subscribe is kept so the test can push
// values, state and severity into the connection.
type MockSource struct {
	mu sync.Mutex

	ConnectErr   error
	SubscribeErr error
	WriteErr     error
	// HoldWrites keeps write completions pending until CompleteWrites.
	HoldWrites bool
	// OnSubscribe, if set, runs after a sink is registered.
	OnSubscribe func(payload string, sink core.SourceSink)

	connects    map[string]int
	disconnects map[string]int
	sinks       map[string]core.SourceSink
	writes      []WriteCall
	pending     []func(error)
}

func NewMockSource() *MockSource {
	return &MockSource{
		connects:    make(map[string]int),
		disconnects: make(map[string]int),
		sinks:       make(map[string]core.SourceSink),
	}
}

func (m *MockSource) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	m.connects[payload]++
	return &mockHandle{payload: payload}, nil
}

func (m *MockSource) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	mh := h.(*mockHandle)
	m.mu.Lock()
	if m.SubscribeErr != nil {
		m.mu.Unlock()
		return m.SubscribeErr
	}
	m.sinks[mh.payload] = sink
	hook := m.OnSubscribe
	m.mu.Unlock()
	if hook != nil {
		hook(mh.payload, sink)
	}
	return nil
}

func (m *MockSource) Write(_ context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	mh := h.(*mockHandle)
	m.mu.Lock()
	if m.WriteErr != nil {
		err := m.WriteErr
		m.mu.Unlock()
		return err
	}
	m.writes = append(m.writes, WriteCall{Payload: mh.payload, Value: v})
	if m.HoldWrites {
		if onComplete != nil {
			m.pending = append(m.pending, onComplete)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if onComplete != nil {
		onComplete(nil)
	}
	return nil
}

func (m *MockSource) Disconnect(_ context.Context, h core.SourceHandle) error {
	mh := h.(*mockHandle)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects[mh.payload]++
	delete(m.sinks, mh.payload)
	return nil
}

// Sink returns the sink registered for payload.
func (m *MockSource) Sink(payload string) core.SourceSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sinks[payload]
}

func (m *MockSource) Connects(payload string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects[payload]
}

func (m *MockSource) Disconnects(payload string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects[payload]
}

func (m *MockSource) Writes() []WriteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteCall, len(m.writes))
	copy(out, m.writes)
	return out
}

// CompleteWrites finishes every held write with err.
func (m *MockSource) CompleteWrites(err error) int {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn(err)
	}
	return len(pending)
}

// Online pushes a connected, writable state with a value into the sink for
// payload.
func (m *MockSource) Online(payload string, v any) {
	sink := m.Sink(payload)
	sink.OnConnectionState(true)
	sink.OnWriteAccess(true)
	sink.OnValue(v)
}
