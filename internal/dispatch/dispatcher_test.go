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

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/delivery"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/registry"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/testutil"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/connection"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins"
)

type fixture struct {
	queue *delivery.Queue
	src   *testutil.MockSource
	reg   *registry.Registry
	disp  *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := delivery.NewQueue(nil, nil)
	src := testutil.NewMockSource()
	protocols := plugins.NewRegistry(nil)
	protocols.Register(connection.NewPlugin("mock", src))
	reg := registry.New(nil, nil)
	return &fixture{
		queue: q,
		src:   src,
		reg:   reg,
		disp:  New(protocols, reg, q),
	}
}

func TestSubscribeUnknownProtocol(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "ca://PV1")
	assert.ErrorIs(t, err, core.ErrUnknownProtocol)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 0, f.disp.ActiveCount())
}

func TestSubscribeMalformedAddress(t *testing.T) {
	f := newFixture(t)
	for _, addr := range []string{"PV1", "mock://", "://PV1"} {
		_, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), addr)
		assert.ErrorIs(t, err, core.ErrMalformedAddress, addr)
	}
	assert.Equal(t, 0, f.reg.Len())
}

func TestKeyErrorIsMalformedAddress(t *testing.T) {
	protocols := plugins.NewRegistry(nil)
	protocols.Register(badKeyPlugin{})
	disp := New(protocols, registry.New(nil, nil), delivery.NewQueue(nil, nil))

	_, err := disp.Subscribe(context.Background(), testutil.NewRecorder(), "bad://x")
	assert.ErrorIs(t, err, core.ErrMalformedAddress)
}

func TestSharedConnectionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 5
	var subs []core.Subscription
	for i := 0; i < n; i++ {
		sub, err := f.disp.Subscribe(ctx, testutil.NewRecorder(), "mock://PV1")
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	assert.Equal(t, 1, f.src.Connects("PV1"))
	assert.Equal(t, 1, f.disp.ConnectionCount())
	assert.Equal(t, n, f.disp.ActiveCount())
	assert.Equal(t, n, subs[0].Connection().ListenerCount())

	for _, sub := range subs {
		require.NoError(t, f.disp.Unsubscribe(ctx, sub))
	}
	assert.Equal(t, 1, f.src.Disconnects("PV1"))
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 0, f.disp.ActiveCount())
}

func TestDifferentAddressesGetDifferentConnections(t *testing.T) {
	f := newFixture(t)
	a, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)
	b, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "MOCK://PV2")
	require.NoError(t, err)

	assert.NotSame(t, a.Connection(), b.Connection())
	assert.Equal(t, "mock", b.Address().Protocol)
	assert.Equal(t, 2, f.disp.ConnectionCount())
}

func TestDoubleUnsubscribe(t *testing.T) {
	f := newFixture(t)
	sub, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)

	require.NoError(t, f.disp.Unsubscribe(context.Background(), sub))
	err = f.disp.Unsubscribe(context.Background(), sub)
	assert.ErrorIs(t, err, core.ErrDoubleUnsubscribe)
	assert.Equal(t, 1, f.src.Disconnects("PV1"))

	select {
	case <-sub.Done():
	default:
		t.Fatal("done channel should be closed after unsubscribe")
	}
}

func TestUnsubscribeForeignSubscription(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	sub, err := other.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.disp.Unsubscribe(context.Background(), sub), core.ErrSubscriptionNotFound)
	assert.Equal(t, 1, other.disp.ActiveCount())
}

func TestFactoryFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.src.ConnectErr = errors.New("channel does not exist")

	_, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	assert.ErrorIs(t, err, f.src.ConnectErr)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 0, f.disp.ActiveCount())
}

func TestListenerReceivesUpdates(t *testing.T) {
	f := newFixture(t)
	r := testutil.NewRecorder()
	_, err := f.disp.Subscribe(context.Background(), r, "mock://PV1")
	require.NoError(t, err)

	f.src.Online("PV1", 12.5)
	f.queue.Process()
	assert.Equal(t, []any{12.5}, r.Values())
}

func TestWriteAndWaitCompletes(t *testing.T) {
	f := newFixture(t)
	sub, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)
	f.src.Online("PV1", 0.0)

	require.NoError(t, sub.WriteAndWait(context.Background(), 4.0, time.Second))
	assert.Equal(t, []testutil.WriteCall{{Payload: "PV1", Value: 4.0}}, f.src.Writes())
}

func TestWriteAndWaitTimeout(t *testing.T) {
	f := newFixture(t)
	f.src.HoldWrites = true
	sub, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)
	f.src.Online("PV1", 0.0)

	err = sub.WriteAndWait(context.Background(), 1.0, 20*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrWriteTimeoutOrCancelled)

	// a late completion must not block or panic
	assert.Equal(t, 1, f.src.CompleteWrites(nil))
	assert.Equal(t, core.StateConnected, sub.Connection().State())
}

func TestWriteAndWaitCancelledByUnsubscribe(t *testing.T) {
	f := newFixture(t)
	f.src.HoldWrites = true
	sub, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)
	f.src.Online("PV1", 0.0)

	errc := make(chan error, 1)
	go func() { errc <- sub.WriteAndWait(context.Background(), 1.0, time.Minute) }()
	require.Eventually(t, func() bool { return len(f.src.Writes()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.disp.Unsubscribe(context.Background(), sub))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, core.ErrWriteTimeoutOrCancelled)
	case <-time.After(time.Second):
		t.Fatal("write wait did not observe unsubscribe")
	}
	f.src.CompleteWrites(nil)
}

func TestWriteAndWaitContextCancelled(t *testing.T) {
	f := newFixture(t)
	f.src.HoldWrites = true
	sub, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)
	f.src.Online("PV1", 0.0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = sub.WriteAndWait(ctx, 1.0, time.Minute)
	assert.ErrorIs(t, err, core.ErrWriteTimeoutOrCancelled)
}

func TestWriteNotPermitted(t *testing.T) {
	f := newFixture(t)
	sub, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)
	sink := f.src.Sink("PV1")
	sink.OnConnectionState(true)
	sink.OnWriteAccess(false)

	assert.ErrorIs(t, sub.Write(context.Background(), 1.0), core.ErrWriteNotPermitted)
	assert.ErrorIs(t, sub.WriteAndWait(context.Background(), 1.0, time.Second), core.ErrWriteNotPermitted)
	assert.Empty(t, f.src.Writes())
}

func TestAsyncWriteFailureReachesListener(t *testing.T) {
	f := newFixture(t)
	f.src.HoldWrites = true
	r := testutil.NewRecorder()
	sub, err := f.disp.Subscribe(context.Background(), r, "mock://PV1")
	require.NoError(t, err)
	f.src.Online("PV1", 0.0)

	require.NoError(t, sub.Write(context.Background(), 1.0))
	putErr := errors.New("put callback failed")
	f.src.CompleteWrites(putErr)
	f.queue.Process()

	require.Len(t, r.Errors(), 1)
	assert.ErrorIs(t, r.Errors()[0], putErr)
}

func TestWriteAfterUnsubscribe(t *testing.T) {
	f := newFixture(t)
	sub, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), "mock://PV1")
	require.NoError(t, err)
	require.NoError(t, f.disp.Unsubscribe(context.Background(), sub))

	assert.ErrorIs(t, sub.Write(context.Background(), 1.0), core.ErrSubscriptionNotFound)
}

func TestUnsubscribeAll(t *testing.T) {
	f := newFixture(t)
	for _, addr := range []string{"mock://A", "mock://A", "mock://B"} {
		_, err := f.disp.Subscribe(context.Background(), testutil.NewRecorder(), addr)
		require.NoError(t, err)
	}
	f.disp.UnsubscribeAll(context.Background())

	assert.Equal(t, 0, f.disp.ActiveCount())
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 1, f.src.Disconnects("A"))
	assert.Equal(t, 1, f.src.Disconnects("B"))
}

func TestUnsubscribeAllLeavesInputsToTheirOwner(t *testing.T) {
	q := delivery.NewQueue(nil, nil)
	src := testutil.NewMockSource()
	protocols := plugins.NewRegistry(nil)
	protocols.Register(connection.NewPlugin("mock", src))
	reg := registry.New(nil, nil)
	disp := New(protocols, reg, q)
	derived := &derivedPlugin{disp: disp}
	protocols.Register(derived)

	ctx := context.Background()
	for _, addr := range []string{"derived://A", "derived://B", "derived://C", "derived://D"} {
		_, err := disp.Subscribe(ctx, testutil.NewRecorder(), addr)
		require.NoError(t, err)
	}
	require.Equal(t, 8, disp.ActiveCount())

	disp.UnsubscribeAll(ctx)

	assert.Len(t, derived.closeErrs, 4)
	for _, err := range derived.closeErrs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, disp.ActiveCount())
	assert.Equal(t, 0, reg.Len())
	for _, name := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, 1, src.Disconnects(name), name)
	}
}

func TestSetWriteTimeout(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, DefaultWriteTimeout, f.disp.WriteTimeout())
	f.disp.SetWriteTimeout(0)
	assert.Equal(t, DefaultWriteTimeout, f.disp.WriteTimeout())
	f.disp.SetWriteTimeout(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, f.disp.WriteTimeout())
}

type badKeyPlugin struct{}

func (badKeyPlugin) Protocol() string { return "bad" }
func (badKeyPlugin) ConnectionKey(string) (string, error) {
	return "", errors.New("unparseable configuration")
}
func (badKeyPlugin) NewConnection(context.Context, string, string, core.Poster) (core.Connection, error) {
	return nil, errors.New("unreachable")
}

// derivedPlugin builds connections that hold a subscription on the mock
// channel of the same name, the way calc holds its inputs.
type derivedPlugin struct {
	disp      *Dispatcher
	closeErrs []error
}

func (p *derivedPlugin) Protocol() string { return "derived" }
func (p *derivedPlugin) ConnectionKey(payload string) (string, error) {
	return payload, nil
}
func (p *derivedPlugin) NewConnection(ctx context.Context, key, _ string, poster core.Poster) (core.Connection, error) {
	input, err := p.disp.Subscribe(ctx, testutil.NewRecorder(), "mock://"+key)
	if err != nil {
		return nil, err
	}
	c := connection.New("derived", key, poster, connection.WithCloser(func(ctx context.Context) error {
		err := p.disp.Unsubscribe(ctx, input)
		p.closeErrs = append(p.closeErrs, err)
		return err
	}))
	return c, nil
}
