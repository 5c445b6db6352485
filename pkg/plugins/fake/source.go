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

// Package fake serves fake:// channels driven by a synthetic generator.
//
// Address parameters:
//   - mode: "constant" | "ramp" | "sine" | "random" (default: "constant")
//   - interval: update period, e.g. "100ms" (default: "1s")
//   - min, max: output range (default: 0, 10)
//   - step: ramp increment per tick (default: 1)
//   - period: sine period (default: "10s")
//   - value: initial value (default: min)
//   - hihi, hi, lo, lolo: alarm limits mapped to MAJOR and MINOR severity
//   - flap: if set, the link drops and returns every flap period
//   - writable: "true" lets listeners write the value
//   - unit, precision, upper_limit, lower_limit, enum_string: metadata
package fake

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

const (
	ModeConstant = "constant"
	ModeRamp     = "ramp"
	ModeSine     = "sine"
	ModeRandom   = "random"
)

type Config struct {
	Name     string
	Mode     string
	Interval time.Duration
	Period   time.Duration
	Flap     time.Duration
	Min      float64
	Max      float64
	Step     float64
	Initial  float64
	Writable bool
	Limits   Limits
	Metadata core.Metadata
}

// Limits are optional alarm thresholds.
type Limits struct {
	HiHi, Hi, Lo, LoLo *float64
}

// Severity classifies v against the limits.
func (l Limits) Severity(v float64) core.Severity {
	switch {
	case l.HiHi != nil && v >= *l.HiHi, l.LoLo != nil && v <= *l.LoLo:
		return core.SeverityMajor
	case l.Hi != nil && v >= *l.Hi, l.Lo != nil && v <= *l.Lo:
		return core.SeverityMinor
	}
	return core.SeverityNoAlarm
}

// ParseConfig reads a fake payload.
func ParseConfig(payload string) (Config, url.Values, error) {
	name, params, err := core.SplitPayload(payload)
	if err != nil {
		return Config{}, nil, err
	}
	cfg := Config{
		Name:     name,
		Mode:     ModeConstant,
		Interval: time.Second,
		Period:   10 * time.Second,
		Max:      10,
		Step:     1,
	}

	fail := func(key, val string) (Config, url.Values, error) {
		return Config{}, nil, fmt.Errorf("%w: fake://%s: bad %s %q", core.ErrMalformedAddress, name, key, val)
	}

	if m := params.Get("mode"); m != "" {
		switch m {
		case ModeConstant, ModeRamp, ModeSine, ModeRandom:
			cfg.Mode = m
		default:
			return fail("mode", m)
		}
	}
	for key, dst := range map[string]*time.Duration{"interval": &cfg.Interval, "period": &cfg.Period, "flap": &cfg.Flap} {
		if s := params.Get(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				return fail(key, s)
			}
			*dst = d
		}
	}
	for key, dst := range map[string]*float64{"min": &cfg.Min, "max": &cfg.Max, "step": &cfg.Step} {
		if s := params.Get(key); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fail(key, s)
			}
			*dst = f
		}
	}
	if cfg.Max < cfg.Min {
		return fail("max", params.Get("max"))
	}
	cfg.Initial = cfg.Min
	if s := params.Get("value"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fail("value", s)
		}
		cfg.Initial = f
	}
	for key, dst := range map[string]**float64{"hihi": &cfg.Limits.HiHi, "hi": &cfg.Limits.Hi, "lo": &cfg.Limits.Lo, "lolo": &cfg.Limits.LoLo} {
		if s := params.Get(key); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fail(key, s)
			}
			*dst = &f
		}
	}
	if s := params.Get("writable"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fail("writable", s)
		}
		cfg.Writable = b
	}
	meta, err := core.MetadataFromParams(params)
	if err != nil {
		return Config{}, nil, err
	}
	cfg.Metadata = meta
	return cfg, params, nil
}

// generator produces successive samples for one channel.
type generator struct {
	cfg   Config
	start time.Time
	value float64
	rnd   *rand.Rand
}

func newGenerator(cfg Config, start time.Time) *generator {
	return &generator{
		cfg:   cfg,
		start: start,
		value: cfg.Initial,
		rnd:   rand.New(rand.NewPCG(uint64(start.UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// next advances the generator to now and returns the sample.
func (g *generator) next(now time.Time) float64 {
	c := g.cfg
	switch c.Mode {
	case ModeRamp:
		g.value += c.Step
		if g.value > c.Max {
			g.value = c.Min
		} else if g.value < c.Min {
			g.value = c.Max
		}
	case ModeSine:
		phase := 2 * math.Pi * now.Sub(g.start).Seconds() / c.Period.Seconds()
		g.value = c.Min + (c.Max-c.Min)*(1+math.Sin(phase))/2
	case ModeRandom:
		g.value = c.Min + g.rnd.Float64()*(c.Max-c.Min)
	}
	return g.value
}

type handle struct {
	cfg Config

	mu        sync.Mutex
	gen       *generator
	sink      core.SourceSink
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type Source struct {
	logger *slog.Logger
}

func NewSource(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{logger: logger}
}

// ConnectionKey is the name with its parameters in canonical order.
func (s *Source) ConnectionKey(payload string) (string, error) {
	cfg, params, err := ParseConfig(payload)
	if err != nil {
		return "", err
	}
	return core.CanonicalPayload(cfg.Name, params), nil
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	cfg, _, err := ParseConfig(payload)
	if err != nil {
		return nil, err
	}
	return &handle{cfg: cfg, gen: newGenerator(cfg, time.Now())}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	fh := h.(*handle)
	ctx, cancel := context.WithCancel(context.Background())

	fh.mu.Lock()
	fh.sink = sink
	fh.cancel = cancel
	fh.done = make(chan struct{})
	fh.connected = true
	initial := fh.gen.value
	fh.mu.Unlock()

	sink.OnConnectionState(true)
	sink.OnWriteAccess(fh.cfg.Writable)
	sink.OnMetadata(fh.cfg.Metadata)
	sink.OnSeverity(fh.cfg.Limits.Severity(initial))
	sink.OnValue(initial)

	go s.run(ctx, fh)
	return nil
}

func (s *Source) run(ctx context.Context, h *handle) {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("fake generator panic recovered", "name", h.cfg.Name, "error", r)
		}
	}()

	var tick <-chan time.Time
	if h.cfg.Mode != ModeConstant {
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var flap <-chan time.Time
	if h.cfg.Flap > 0 {
		flapper := time.NewTicker(h.cfg.Flap)
		defer flapper.Stop()
		flap = flapper.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick:
			h.mu.Lock()
			if !h.connected {
				h.mu.Unlock()
				continue
			}
			v := h.gen.next(now)
			h.mu.Unlock()
			h.sink.OnSeverity(h.cfg.Limits.Severity(v))
			h.sink.OnValue(v)
		case <-flap:
			h.mu.Lock()
			h.connected = !h.connected
			connected := h.connected
			v := h.gen.value
			h.mu.Unlock()
			s.logger.Debug("fake link flapped", "name", h.cfg.Name, "connected", connected)
			h.sink.OnConnectionState(connected)
			if connected {
				h.sink.OnValue(v)
			}
		}
	}
}

// Write sets the generator value. Only channels declared writable accept
// writes.
func (s *Source) Write(_ context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	fh := h.(*handle)
	if !fh.cfg.Writable {
		return fmt.Errorf("%w: fake://%s", core.ErrWriteNotPermitted, fh.cfg.Name)
	}
	f, ok := core.ToFloat(v)
	if !ok {
		return fmt.Errorf("%w: fake://%s: %v is not numeric", core.ErrInvalidValue, fh.cfg.Name, v)
	}

	fh.mu.Lock()
	fh.gen.value = f
	sink, connected := fh.sink, fh.connected
	fh.mu.Unlock()

	if sink != nil && connected {
		sink.OnSeverity(fh.cfg.Limits.Severity(f))
		sink.OnValue(f)
	}
	if onComplete != nil {
		onComplete(nil)
	}
	return nil
}

// Disconnect stops the generator and waits for it to exit.
func (s *Source) Disconnect(_ context.Context, h core.SourceHandle) error {
	fh := h.(*handle)
	fh.mu.Lock()
	cancel, done := fh.cancel, fh.done
	fh.cancel = nil
	fh.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
