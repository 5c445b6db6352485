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

// Package testutil provides recording listeners and a scriptable source for
// the channel engine tests.
package testutil

import (
	"fmt"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// Event is one callback observed by a Recorder.
type Event struct {
	Kind  core.UpdateKind
	Value any
}

func (e Event) String() string {
	return fmt.Sprintf("%s:%v", e.Kind, e.Value)
}

// Recorder is a listener that records every callback it receives. It
// implements all optional listener interfaces.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(kind core.UpdateKind, v any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: kind, Value: v})
	r.mu.Unlock()
}

func (r *Recorder) OnValue(v any)              { r.add(core.UpdateValue, v) }
func (r *Recorder) OnConnectionState(c bool)   { r.add(core.UpdateConnection, c) }
func (r *Recorder) OnSeverity(s core.Severity) { r.add(core.UpdateSeverity, s) }
func (r *Recorder) OnWriteAccess(w bool)       { r.add(core.UpdateWriteAccess, w) }
func (r *Recorder) OnMetadata(m core.Metadata) { r.add(core.UpdateMetadata, m) }
func (r *Recorder) OnError(err error)          { r.add(core.UpdateError, err) }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []core.UpdateKind {
	var out []core.UpdateKind
	for _, e := range r.Events() {
		out = append(out, e.Kind)
	}
	return out
}

// Of returns the payloads recorded for kind in order.
func (r *Recorder) Of(kind core.UpdateKind) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Value)
		}
	}
	return out
}

func (r *Recorder) Values() []any {
	return r.Of(core.UpdateValue)
}

// Last returns the most recent payload of kind.
func (r *Recorder) Last(kind core.UpdateKind) (any, bool) {
	vals := r.Of(kind)
	if len(vals) == 0 {
		return nil, false
	}
	return vals[len(vals)-1], true
}

func (r *Recorder) Errors() []error {
	var out []error
	for _, v := range r.Of(core.UpdateError) {
		out = append(out, v.(error))
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// BasicListener implements only core.Listener.
type BasicListener struct {
	Recorder
}

func (b *BasicListener) Listener() core.Listener {
	return basic{&b.Recorder}
}

type basic struct{ r *Recorder }

func (b basic) OnValue(v any)              { b.r.OnValue(v) }
func (b basic) OnConnectionState(c bool)   { b.r.OnConnectionState(c) }
func (b basic) OnSeverity(s core.Severity) { b.r.OnSeverity(s) }
