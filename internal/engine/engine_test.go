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

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/testutil"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/connection"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/local"
)

func TestEngineLifecycle(t *testing.T) {
	e := New(nil, nil, time.Second)
	e.Plugins.Register(connection.NewPlugin("loc", local.NewSource(nil)))
	e.Start(context.Background())

	rec := testutil.NewRecorder()
	sub, err := e.Dispatcher.Subscribe(context.Background(), rec, "loc://x?type=float&init=2")
	require.NoError(t, err)
	e.Queue.Process()
	assert.Equal(t, []any{2.0}, rec.Values())

	require.NoError(t, sub.WriteAndWait(context.Background(), 3.0, 0))
	e.Queue.Process()
	assert.Equal(t, []any{2.0, 3.0}, rec.Values())

	e.Shutdown(context.Background())
	assert.Equal(t, 0, e.Dispatcher.ActiveCount())
	assert.Equal(t, 0, e.Connections.Len())
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not released on shutdown")
	}
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	e := New(nil, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ran := make(chan struct{})
	e.Queue.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task not run")
	}
	cancel()
	require.NoError(t, <-done)
}
