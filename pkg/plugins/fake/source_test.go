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

package fake

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

func run(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	q := delivery.NewQueue(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = q.Run(ctx) }()

	protocols := plugins.NewRegistry(nil)
	protocols.Register(connection.NewPlugin("fake", NewSource(nil)))
	d := dispatch.New(protocols, registry.New(nil, nil), q)
	t.Cleanup(func() { d.UnsubscribeAll(context.Background()) })
	return d
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, _, err := ParseConfig("pv")
	require.NoError(t, err)
	assert.Equal(t, ModeConstant, cfg.Mode)
	assert.Equal(t, time.Second, cfg.Interval)
	assert.Equal(t, 0.0, cfg.Min)
	assert.Equal(t, 10.0, cfg.Max)
	assert.False(t, cfg.Writable)
}

func TestParseConfigErrors(t *testing.T) {
	for _, payload := range []string{
		"?mode=ramp",
		"pv?mode=square",
		"pv?interval=fast",
		"pv?interval=-1s",
		"pv?min=5&max=1",
		"pv?hi=high",
		"pv?writable=maybe",
		"pv?precision=x",
	} {
		_, _, err := ParseConfig(payload)
		assert.ErrorIs(t, err, core.ErrMalformedAddress, payload)
	}
}

func TestLimitsSeverity(t *testing.T) {
	hihi, hi, lo, lolo := 9.0, 8.0, 2.0, 1.0
	l := Limits{HiHi: &hihi, Hi: &hi, Lo: &lo, LoLo: &lolo}

	assert.Equal(t, core.SeverityNoAlarm, l.Severity(5))
	assert.Equal(t, core.SeverityMinor, l.Severity(8))
	assert.Equal(t, core.SeverityMajor, l.Severity(9.5))
	assert.Equal(t, core.SeverityMinor, l.Severity(1.5))
	assert.Equal(t, core.SeverityMajor, l.Severity(0))
	assert.Equal(t, core.SeverityNoAlarm, Limits{}.Severity(100))
}

func TestRampWraps(t *testing.T) {
	cfg, _, err := ParseConfig("r?mode=ramp&min=0&max=2&step=1")
	require.NoError(t, err)
	g := newGenerator(cfg, time.Now())

	var got []float64
	for i := 0; i < 4; i++ {
		got = append(got, g.next(time.Now()))
	}
	assert.Equal(t, []float64{1, 2, 0, 1}, got)
}

func TestSineStaysInRange(t *testing.T) {
	cfg, _, err := ParseConfig("s?mode=sine&min=-1&max=1&period=1s")
	require.NoError(t, err)
	start := time.Now()
	g := newGenerator(cfg, start)

	assert.InDelta(t, 0, g.next(start), 1e-9)
	assert.InDelta(t, 1, g.next(start.Add(250*time.Millisecond)), 1e-9)
	for i := 0; i < 100; i++ {
		v := g.next(start.Add(time.Duration(i) * 37 * time.Millisecond))
		assert.True(t, v >= -1 && v <= 1)
	}
}

func TestRandomStaysInRange(t *testing.T) {
	cfg, _, err := ParseConfig("n?mode=random&min=3&max=4")
	require.NoError(t, err)
	g := newGenerator(cfg, time.Now())
	for i := 0; i < 100; i++ {
		v := g.next(time.Now())
		assert.True(t, v >= 3 && v <= 4, v)
	}
}

func TestConnectionKeyIsCanonical(t *testing.T) {
	s := NewSource(nil)
	a, err := s.ConnectionKey("pv?mode=ramp&max=5")
	require.NoError(t, err)
	b, err := s.ConnectionKey("pv?max=5&mode=ramp")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestConstantChannel(t *testing.T) {
	d := run(t)
	r := testutil.NewRecorder()
	_, err := d.Subscribe(context.Background(), r, "fake://c?value=4&hi=3&unit=V")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(r.Values()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []any{4.0}, r.Values())
	sev, _ := r.Last(core.UpdateSeverity)
	assert.Equal(t, core.SeverityMinor, sev)
	wa, _ := r.Last(core.UpdateWriteAccess)
	assert.Equal(t, false, wa)
}

func TestRampChannelUpdates(t *testing.T) {
	d := run(t)
	r := testutil.NewRecorder()
	_, err := d.Subscribe(context.Background(), r, "fake://r?mode=ramp&interval=5ms&max=1000")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(r.Values()) >= 3 }, 2*time.Second, time.Millisecond)
	vals := r.Values()
	for i := 1; i < len(vals); i++ {
		assert.Greater(t, vals[i].(float64), vals[i-1].(float64))
	}
}

func TestWritableChannel(t *testing.T) {
	d := run(t)
	r := testutil.NewRecorder()
	sub, err := d.Subscribe(context.Background(), r, "fake://w?writable=true&value=1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		wa, ok := r.Last(core.UpdateWriteAccess)
		return ok && wa == true
	}, time.Second, time.Millisecond)

	require.NoError(t, sub.WriteAndWait(context.Background(), 6.0, time.Second))
	require.Eventually(t, func() bool {
		v, _ := r.Last(core.UpdateValue)
		return v == 6.0
	}, time.Second, time.Millisecond)
}

func TestReadOnlyChannel(t *testing.T) {
	d := run(t)
	sub, err := d.Subscribe(context.Background(), testutil.NewRecorder(), "fake://ro")
	require.NoError(t, err)
	assert.ErrorIs(t, sub.Write(context.Background(), 1.0), core.ErrWriteNotPermitted)
}

func TestFlappingLink(t *testing.T) {
	d := run(t)
	r := testutil.NewRecorder()
	_, err := d.Subscribe(context.Background(), r, "fake://f?flap=10ms&value=2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(r.Of(core.UpdateConnection)) >= 3
	}, 2*time.Second, time.Millisecond)

	states := r.Of(core.UpdateConnection)
	assert.Equal(t, true, states[0])
	assert.Equal(t, false, states[1])
	assert.Equal(t, true, states[2])

	// every reconnect is followed by a fresh value
	events := r.Events()
	for i, e := range events {
		if e.Kind == core.UpdateConnection && e.Value == false && i+1 < len(events) {
			assert.NotEqual(t, core.UpdateValue, events[i+1].Kind)
		}
	}
}
