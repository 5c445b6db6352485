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

package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/testutil"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

func TestConfigFromMap(t *testing.T) {
	cfg, err := ConfigFromMap(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)

	cfg, err = ConfigFromMap(map[string]string{"url": "nats://broker:4222", "max_reconnects": "5", "reconnect_wait": "100ms"})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 100*time.Millisecond, cfg.ReconnectWait)

	_, err = ConfigFromMap(map[string]string{"max_reconnects": "lots"})
	assert.Error(t, err)
}

func TestNewAssignsClientName(t *testing.T) {
	s := New("bus", Config{}, nil)
	assert.Contains(t, s.cfg.Name, "channel-engine-bus-")
}

func TestConnectValidation(t *testing.T) {
	s := New("bus", Config{}, nil)
	_, err := s.Connect(context.Background(), "plant.temp")
	assert.ErrorIs(t, err, core.ErrNotConnected)

	for _, p := range []string{"", "a b", "a..b"} {
		_, err := s.Connect(context.Background(), p)
		assert.ErrorIs(t, err, core.ErrMalformedAddress, p)
	}
}

func TestLinkStateBroadcast(t *testing.T) {
	s := New("bus", Config{}, nil)
	sink := testutil.NewMockSink()
	s.handles[&handle{subject: "a", sink: sink}] = struct{}{}

	s.handleDisconnect(nil, errors.New("eof"))
	s.handleReconnect(&nats.Conn{})
	s.handleClosed(nil)

	assert.Equal(t, []bool{false, true, false}, sink.States())
	assert.Equal(t, []bool{true}, sink.WriteAccess())
}

func TestWriteToWildcardRejected(t *testing.T) {
	s := New("bus", Config{}, nil)
	err := s.Write(context.Background(), &handle{subject: "plant.*"}, 1.0, nil)
	assert.ErrorIs(t, err, core.ErrWriteNotPermitted)
}
