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

package calc

import (
	"context"
	"sync"
	"testing"

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

type harness struct {
	queue *delivery.Queue
	src   *testutil.MockSource
	reg   *registry.Registry
	disp  *dispatch.Dispatcher

	mu     sync.Mutex
	hooked []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue: delivery.NewQueue(nil, nil),
		src:   testutil.NewMockSource(),
		reg:   registry.New(nil, nil),
	}
	protocols := plugins.NewRegistry(nil)
	protocols.Register(connection.NewPlugin("mock", h.src))
	h.disp = dispatch.New(protocols, h.reg, h.queue)
	protocols.Register(New(h.disp, WithErrorHook(func(_ string, err error) {
		h.mu.Lock()
		h.hooked = append(h.hooked, err)
		h.mu.Unlock()
	})))
	return h
}

func (h *harness) hookedErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.hooked...)
}

func (h *harness) subscribe(t *testing.T, address string) (*testutil.Recorder, core.Subscription) {
	t.Helper()
	r := testutil.NewRecorder()
	sub, err := h.disp.Subscribe(context.Background(), r, address)
	require.NoError(t, err)
	return r, sub
}

func TestSumOfTwoInputs(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://sum?A=mock://a&B=mock://b&expr=A+B")

	h.src.Online("a", 2.0)
	h.queue.Process()
	assert.Empty(t, r.Values(), "no value until every input is connected")

	h.src.Online("b", 3.0)
	h.queue.Process()
	assert.Equal(t, []any{5.0}, r.Values())
	last, _ := r.Last(core.UpdateConnection)
	assert.Equal(t, true, last)

	// B drops: the calc reports disconnected and stays quiet
	h.src.Sink("b").OnConnectionState(false)
	h.queue.Process()
	last, _ = r.Last(core.UpdateConnection)
	assert.Equal(t, false, last)

	h.src.Sink("a").OnValue(10.0)
	h.queue.Process()
	assert.Equal(t, []any{5.0}, r.Values())

	// B returns but has no fresh value yet
	h.src.Sink("b").OnConnectionState(true)
	h.queue.Process()
	assert.Equal(t, []any{5.0}, r.Values())

	h.src.Sink("b").OnValue(4.0)
	h.queue.Process()
	assert.Equal(t, []any{5.0, 14.0}, r.Values())
}

func TestDisconnectArrivesBeforeNextValue(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://sum?A=mock://a&B=mock://b&expr=A+B")
	h.src.Online("a", 1.0)
	h.src.Online("b", 1.0)
	h.queue.Process()
	r.Reset()

	h.src.Sink("b").OnConnectionState(false)
	h.src.Sink("b").OnConnectionState(true)
	h.src.Sink("b").OnValue(2.0)
	h.queue.Process()

	assert.Equal(t, []core.UpdateKind{
		core.UpdateConnection,
		core.UpdateConnection,
		core.UpdateValue,
	}, r.Kinds())
	assert.Equal(t, []any{false, true}, r.Of(core.UpdateConnection))
	assert.Equal(t, []any{3.0}, r.Values())
}

func TestDivisionByZeroProducesNoValue(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://ratio?A=mock://a&B=mock://b&expr=A/B")
	h.src.Online("a", 6.0)
	h.src.Online("b", 3.0)
	h.queue.Process()
	require.Equal(t, []any{2.0}, r.Values())

	h.src.Sink("b").OnValue(0.0)
	h.queue.Process()

	assert.Equal(t, []any{2.0}, r.Values())
	require.Len(t, h.hookedErrors(), 1)
	assert.ErrorIs(t, h.hookedErrors()[0], core.ErrExpressionEvaluation)
	require.Len(t, r.Errors(), 1)
	assert.ErrorIs(t, r.Errors()[0], core.ErrExpressionEvaluation)

	// still connected and still serving the other listeners
	last, _ := r.Last(core.UpdateConnection)
	assert.Equal(t, true, last)
	late, _ := h.subscribe(t, "calc://ratio?A=mock://a&B=mock://b&expr=A/B")
	h.queue.Process()
	assert.Equal(t, []any{2.0}, late.Values())

	h.src.Sink("b").OnValue(4.0)
	h.queue.Process()
	assert.Equal(t, []any{2.0, 1.5}, r.Values())
}

func TestZeroOverZeroIsAnError(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://nan?A=mock://a&expr=A/A")
	h.src.Online("a", 0.0)
	h.queue.Process()

	assert.Empty(t, r.Values())
	assert.Len(t, h.hookedErrors(), 1)
}

func TestTeardownReleasesInputs(t *testing.T) {
	h := newHarness(t)
	_, sub := h.subscribe(t, "calc://sum?A=mock://a&B=mock://b&expr=A+B")
	assert.Equal(t, 3, h.reg.Len())
	assert.Equal(t, 1, h.src.Connects("a"))

	require.NoError(t, h.disp.Unsubscribe(context.Background(), sub))
	assert.Equal(t, 0, h.reg.Len())
	assert.Equal(t, 0, h.disp.ActiveCount())
	assert.Equal(t, 1, h.src.Disconnects("a"))
	assert.Equal(t, 1, h.src.Disconnects("b"))
}

func TestInputsSharedWithDirectListeners(t *testing.T) {
	h := newHarness(t)
	_, direct := h.subscribe(t, "mock://a")
	_, calcSub := h.subscribe(t, "calc://double?A=mock://a&expr=A*2")
	assert.Equal(t, 1, h.src.Connects("a"))
	assert.Equal(t, 2, direct.Connection().ListenerCount())

	require.NoError(t, h.disp.Unsubscribe(context.Background(), calcSub))
	assert.Equal(t, 0, h.src.Disconnects("a"))
	assert.Equal(t, 1, direct.Connection().ListenerCount())
}

func TestFailedInputUnwindsSubscriptions(t *testing.T) {
	h := newHarness(t)
	_, err := h.disp.Subscribe(context.Background(), testutil.NewRecorder(), "calc://bad?A=mock://a&B=nope://b&expr=A+B")
	assert.ErrorIs(t, err, core.ErrUnknownProtocol)
	assert.Equal(t, 0, h.reg.Len())
	assert.Equal(t, 1, h.src.Disconnects("a"))
}

func TestReorderedConfigSharesConnection(t *testing.T) {
	h := newHarness(t)
	_, a := h.subscribe(t, "calc://sum?A=mock://a&B=mock://b&expr=A+B")
	_, b := h.subscribe(t, "calc://sum?expr=A+B&B=mock://b&A=mock://a")
	assert.Same(t, a.Connection(), b.Connection())

	_, c := h.subscribe(t, "calc://sum?A=mock://a&B=mock://b&expr=A-B")
	assert.NotSame(t, a.Connection(), c.Connection())
}

func TestUpdateRestrictsTriggers(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://gated?A=mock://a&B=mock://b&expr=A+B&update=A")
	h.src.Online("a", 1.0)
	h.src.Online("b", 1.0)
	h.queue.Process()
	require.Equal(t, []any{2.0}, r.Values())

	h.src.Sink("b").OnValue(5.0)
	h.queue.Process()
	assert.Equal(t, []any{2.0}, r.Values())

	h.src.Sink("a").OnValue(2.0)
	h.queue.Process()
	assert.Equal(t, []any{2.0, 7.0}, r.Values())
}

func TestPositionalAccessAndFunctions(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://f?X=mock://x&Y=mock://y&expr=sqrt(inputs[0])%20%2B%20max(X,%20Y)%20%2B%20abs(-1)")
	h.src.Online("x", 16.0)
	h.src.Online("y", 3.0)
	h.queue.Process()
	assert.Equal(t, []any{21.0}, r.Values())
}

func TestConditionalExpression(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://alarm?T=mock://t&expr=T%20>%2050%20?%20\"HOT\"%20:%20\"OK\"")
	h.src.Online("t", 20.0)
	h.queue.Process()
	h.src.Sink("t").OnValue(80.0)
	h.queue.Process()
	assert.Equal(t, []any{"OK", "HOT"}, r.Values())
}

func TestSeverityIsWorstOfInputs(t *testing.T) {
	h := newHarness(t)
	r, _ := h.subscribe(t, "calc://sum?A=mock://a&B=mock://b&expr=A+B")
	h.src.Online("a", 1.0)
	h.src.Online("b", 1.0)
	h.src.Sink("a").OnSeverity(core.SeverityMinor)
	h.src.Sink("b").OnSeverity(core.SeverityMajor)
	h.src.Sink("b").OnSeverity(core.SeverityNoAlarm)
	h.queue.Process()

	assert.Equal(t, []any{core.SeverityMinor, core.SeverityMajor, core.SeverityMinor}, r.Of(core.UpdateSeverity))
}

func TestCalcIsReadOnly(t *testing.T) {
	h := newHarness(t)
	r, sub := h.subscribe(t, "calc://sum?A=mock://a&expr=A")
	h.src.Online("a", 1.0)
	h.queue.Process()

	assert.ErrorIs(t, sub.Write(context.Background(), 3.0), core.ErrWriteNotPermitted)
	assert.Equal(t, []any{false}, r.Of(core.UpdateWriteAccess))
	assert.Empty(t, h.src.Writes())
}

func TestNestedCalc(t *testing.T) {
	h := newHarness(t)
	r, sub := h.subscribe(t, "calc://outer?C=calc://inner%3FA%3Dmock://a%26expr%3DA*10&expr=C+1")
	h.src.Online("a", 2.0)
	h.queue.Process()
	assert.Equal(t, []any{21.0}, r.Values())

	require.NoError(t, h.disp.Unsubscribe(context.Background(), sub))
	assert.Equal(t, 0, h.reg.Len())
}
