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

package plugins

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/testutil"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/connection"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type startableSource struct {
	*testutil.MockSource
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
}

func (s *startableSource) Start(context.Context) error {
	s.started.Add(1)
	return s.startErr
}

func (s *startableSource) Stop(context.Context) error {
	s.stopped.Add(1)
	return nil
}

type slowSource struct {
	*testutil.MockSource
	entered chan struct{}
	release chan struct{}
}

func (s *slowSource) Start(context.Context) error {
	close(s.entered)
	<-s.release
	return nil
}

type stubEntrypoint struct {
	name    string
	started chan core.Dispatcher
	stopped atomic.Bool
}

func (e *stubEntrypoint) Name() string { return e.name }
func (e *stubEntrypoint) Type() string { return "stub" }

func (e *stubEntrypoint) Start(_ context.Context, d core.Dispatcher) error {
	e.started <- d
	return nil
}

func (e *stubEntrypoint) Stop(context.Context) error {
	e.stopped.Store(true)
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	first := connection.NewPlugin("mqtt", testutil.NewMockSource())
	r.Register(first)
	r.Register(connection.NewPlugin("fake", testutil.NewMockSource()))

	p, ok := r.Lookup("mqtt")
	require.True(t, ok)
	assert.Same(t, first, p)
	_, ok = r.Lookup("ca")
	assert.False(t, ok)
	assert.Equal(t, []string{"fake", "mqtt"}, r.Protocols())

	second := connection.NewPlugin("mqtt", testutil.NewMockSource())
	r.Register(second)
	p, _ = r.Lookup("mqtt")
	assert.Same(t, second, p)
	assert.Len(t, r.Protocols(), 2)
}

func TestStartAllTracksHealth(t *testing.T) {
	r := NewRegistry(nil)
	good := &startableSource{MockSource: testutil.NewMockSource()}
	bad := &startableSource{MockSource: testutil.NewMockSource(), startErr: errors.New("broker down")}
	r.Register(connection.NewPlugin("good", good))
	r.Register(connection.NewPlugin("bad", bad))
	r.Register(connection.NewPlugin("plain", testutil.NewMockSource()))

	assert.Equal(t, 2, r.StartAll(context.Background()))
	assert.True(t, r.IsHealthy("good"))
	assert.False(t, r.IsHealthy("bad"))
	assert.True(t, r.IsHealthy("plain"))

	r.StopPlugins(context.Background())
	assert.Equal(t, int32(1), good.stopped.Load())
	assert.Equal(t, int32(1), bad.stopped.Load())
}

func TestLookupDoesNotWaitForSlowStart(t *testing.T) {
	r := NewRegistry(nil)
	slow := &slowSource{MockSource: testutil.NewMockSource(), entered: make(chan struct{}), release: make(chan struct{})}
	r.Register(connection.NewPlugin("slow", slow))

	done := make(chan int, 1)
	go func() { done <- r.StartAll(context.Background()) }()
	<-slow.entered

	looked := make(chan bool, 1)
	go func() {
		_, ok := r.Lookup("slow")
		looked <- ok
	}()
	select {
	case ok := <-looked:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("lookup blocked behind a starting protocol")
	}
	assert.False(t, r.IsHealthy("slow"))

	close(slow.release)
	assert.Equal(t, 1, <-done)
	assert.True(t, r.IsHealthy("slow"))
}

func TestEntrypointLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	ep := &stubEntrypoint{name: "bridge", started: make(chan core.Dispatcher, 1)}
	r.RegisterEntrypoint(ep)
	assert.Contains(t, r.Entrypoints(), "bridge")

	var d core.Dispatcher
	r.StartEntrypoints(context.Background(), d)
	select {
	case <-ep.started:
	case <-time.After(time.Second):
		t.Fatal("entrypoint not started")
	}

	r.StopAll(context.Background())
	assert.True(t, ep.stopped.Load())
}
