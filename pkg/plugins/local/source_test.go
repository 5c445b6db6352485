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

package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/delivery"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/dispatch"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/registry"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/testutil"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/connection"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins"
)

func setup(t *testing.T) (*delivery.Queue, *dispatch.Dispatcher, *Source) {
	t.Helper()
	q := delivery.NewQueue(nil, nil)
	src := NewSource(nil)
	protocols := plugins.NewRegistry(nil)
	protocols.Register(connection.NewPlugin("loc", src))
	return q, dispatch.New(protocols, registry.New(nil, nil), q), src
}

func TestLocalVariableInitialState(t *testing.T) {
	q, d, _ := setup(t)
	r := testutil.NewRecorder()
	_, err := d.Subscribe(context.Background(), r, "loc://gap?type=float&init=1.5&unit=mm&precision=2")
	require.NoError(t, err)
	q.Process()

	assert.Equal(t, []any{1.5}, r.Values())
	assert.Equal(t, []any{true}, r.Of(core.UpdateConnection))
	assert.Equal(t, []any{true}, r.Of(core.UpdateWriteAccess))
	meta, ok := r.Last(core.UpdateMetadata)
	require.True(t, ok)
	assert.Equal(t, "mm", meta.(core.Metadata).Units)
	assert.Equal(t, 2, meta.(core.Metadata).Precision)
}

func TestLocalWriteEchoesToAllListeners(t *testing.T) {
	q, d, _ := setup(t)
	a, b := testutil.NewRecorder(), testutil.NewRecorder()
	subA, err := d.Subscribe(context.Background(), a, "loc://n?type=int&init=3")
	require.NoError(t, err)
	_, err = d.Subscribe(context.Background(), b, "loc://n")
	require.NoError(t, err)
	q.Process()

	require.NoError(t, subA.WriteAndWait(context.Background(), 7.0, time.Second))
	q.Process()

	assert.Equal(t, []any{int64(3), int64(7)}, a.Values())
	assert.Equal(t, []any{int64(3), int64(7)}, b.Values())
}

func TestLocalWriteTypeMismatch(t *testing.T) {
	q, d, src := setup(t)
	sub, err := d.Subscribe(context.Background(), testutil.NewRecorder(), "loc://n?type=int&init=3")
	require.NoError(t, err)
	q.Process()

	assert.ErrorIs(t, sub.Write(context.Background(), "three"), core.ErrInvalidValue)
	assert.ErrorIs(t, sub.Write(context.Background(), 2.5), core.ErrInvalidValue)
	v, _ := src.Value("n")
	assert.Equal(t, int64(3), v)
}

func TestLocalVariableOutlivesConnection(t *testing.T) {
	q, d, _ := setup(t)
	sub, err := d.Subscribe(context.Background(), testutil.NewRecorder(), "loc://s?type=str&init=idle")
	require.NoError(t, err)
	q.Process()
	require.NoError(t, sub.Write(context.Background(), "moving"))
	require.NoError(t, d.Unsubscribe(context.Background(), sub))

	r := testutil.NewRecorder()
	_, err = d.Subscribe(context.Background(), r, "loc://s?type=str&init=other")
	require.NoError(t, err)
	q.Process()
	assert.Equal(t, []any{"moving"}, r.Values())
}

func TestLateDisconnectKeepsNewConnectionEchoing(t *testing.T) {
	src := NewSource(nil)
	ctx := context.Background()

	oldHandle, err := src.Connect(ctx, "shared?type=float")
	require.NoError(t, err)
	oldSink := testutil.NewMockSink()
	require.NoError(t, src.Subscribe(oldHandle, oldSink))

	newHandle, err := src.Connect(ctx, "shared")
	require.NoError(t, err)
	newSink := testutil.NewMockSink()
	require.NoError(t, src.Subscribe(newHandle, newSink))

	require.NoError(t, src.Disconnect(ctx, oldHandle))
	require.NoError(t, src.Write(ctx, newHandle, 5.0, nil))

	assert.Equal(t, []any{0.0, 5.0}, newSink.Values())
	assert.Equal(t, []any{0.0}, oldSink.Values())
}

func TestLocalConnectionKey(t *testing.T) {
	src := NewSource(nil)
	key, err := src.ConnectionKey("sp?type=float&init=2")
	require.NoError(t, err)
	assert.Equal(t, "sp", key)

	for _, payload := range []string{"?type=int", "x?type=complex", "x?type=int&init=abc", "x?precision=no"} {
		_, err := src.ConnectionKey(payload)
		assert.ErrorIs(t, err, core.ErrMalformedAddress, payload)
	}
}

func TestConvert(t *testing.T) {
	cases := []struct {
		typ  string
		in   any
		want any
	}{
		{TypeFloat, "2.5", 2.5},
		{TypeInt, 4.0, int64(4)},
		{TypeString, 1.5, "1.5"},
		{TypeBool, "true", true},
		{TypeBool, 0.0, false},
		{TypeArray, []any{1.0, "2"}, []float64{1, 2}},
	}
	for _, c := range cases {
		got, err := convert(c.typ, c.in)
		require.NoError(t, err, c)
		assert.Equal(t, c.want, got)
	}

	arr, err := parseInit(TypeArray, "[1, 2, 3]")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, arr)
}
