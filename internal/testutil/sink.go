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
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// MockSink records what a Source pushes into a connection. It is safe to
// call from source goroutines while the test reads it.
type MockSink struct {
	mu         sync.Mutex
	values     []any
	states     []bool
	severities []core.Severity
	access     []bool
	metadata   []core.Metadata
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (s *MockSink) OnValue(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, v)
}

func (s *MockSink) OnConnectionState(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, connected)
}

func (s *MockSink) OnSeverity(sev core.Severity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.severities = append(s.severities, sev)
}

func (s *MockSink) OnWriteAccess(writable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = append(s.access, writable)
}

func (s *MockSink) OnMetadata(m core.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, m)
}

func (s *MockSink) Values() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.values...)
}

func (s *MockSink) States() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.states...)
}

func (s *MockSink) Severities() []core.Severity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Severity(nil), s.severities...)
}

func (s *MockSink) WriteAccess() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.access...)
}

func (s *MockSink) Metadata() []core.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Metadata(nil), s.metadata...)
}
