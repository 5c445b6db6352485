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
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/connection"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// engine is a calc connection. It listens to every input through the
// dispatcher and re-evaluates the expression when an input changes while
// all inputs are connected.
type engine struct {
	*connection.Conn

	cfg     Config
	names   []string
	expr    hclsyntax.Expression
	disp    core.Dispatcher
	logger  *slog.Logger
	metrics *metrics.Metrics
	onError func(key string, err error)

	mu        sync.Mutex
	values    []any
	hasValue  []bool
	connected []bool
	severity  []core.Severity
	valid     bool
	closed    bool
	subs      []core.Subscription
}

func newEngine(ctx context.Context, p *Plugin, key string, cfg Config, poster core.Poster) (*engine, error) {
	expr, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	names := cfg.Names()
	n := len(names)
	e := &engine{
		cfg:       cfg,
		names:     names,
		expr:      expr,
		disp:      p.dispatcher,
		logger:    p.logger.With("protocol", p.protocol, "calc", cfg.Name),
		metrics:   p.metrics,
		onError:   p.onError,
		values:    make([]any, n),
		hasValue:  make([]bool, n),
		connected: make([]bool, n),
		severity:  make([]core.Severity, n),
	}

	opts := append([]connection.Option{}, p.connOpts...)
	opts = append(opts, connection.WithCloser(e.close))
	e.Conn = connection.New(p.protocol, key, poster, opts...)
	e.Conn.MarkConnecting()
	e.Conn.OnWriteAccess(false)

	for i, name := range names {
		sub, err := e.disp.Subscribe(ctx, &input{engine: e, index: i}, cfg.Inputs[name])
		if err != nil {
			e.unsubscribeAll(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("calc %s: input %s: %w", cfg.Name, name, err)
		}
		e.mu.Lock()
		e.subs = append(e.subs, sub)
		e.mu.Unlock()
	}
	e.logger.Debug("calc started", "inputs", n, "expr", cfg.Expr)
	return e, nil
}

// close runs once, from Conn.Close, and releases every input subscription.
func (e *engine) close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.unsubscribeAll(ctx)
}

func (e *engine) unsubscribeAll(ctx context.Context) error {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := e.disp.Unsubscribe(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *engine) allConnectedLocked() bool {
	for _, c := range e.connected {
		if !c {
			return false
		}
	}
	return true
}

func (e *engine) readyLocked() bool {
	for i := range e.names {
		if !e.connected[i] || !e.hasValue[i] {
			return false
		}
	}
	return true
}

func (e *engine) inputValue(i int, v any) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.values[i] = v
	e.hasValue[i] = true
	if !e.readyLocked() || (e.valid && !e.cfg.triggers(e.names[i])) {
		e.mu.Unlock()
		return
	}
	result, err := e.evaluateLocked()
	if err == nil {
		e.valid = true
	}
	e.mu.Unlock()

	if err != nil {
		e.evaluationFailed(err)
		return
	}
	e.Conn.OnValue(result)
}

func (e *engine) inputConnection(i int, connected bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.connected[i] = connected
	if !connected {
		e.hasValue[i] = false
		e.valid = false
	}
	all := e.allConnectedLocked()
	e.mu.Unlock()

	// Stay in Connecting until an input actually reports a lost link.
	if all || !connected {
		e.Conn.OnConnectionState(all)
	}
}

func (e *engine) inputSeverity(i int, s core.Severity) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.severity[i] = s
	worst := core.SeverityNoAlarm
	for _, sev := range e.severity {
		worst = core.Worst(worst, sev)
	}
	e.mu.Unlock()
	e.Conn.OnSeverity(worst)
}

func (e *engine) evaluateLocked() (any, error) {
	vars := make(map[string]cty.Value, len(e.names)+1)
	tuple := make([]cty.Value, len(e.names))
	for i, name := range e.names {
		v, err := toCty(e.values[i])
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		vars[name] = v
		tuple[i] = v
	}
	vars[inputsVar] = cty.TupleVal(tuple)

	val, diags := e.expr.Value(&hcl.EvalContext{
		Variables: vars,
		Functions: functions,
	})
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", core.ErrExpressionEvaluation, diags.Error())
	}
	return fromCty(val)
}

// evaluationFailed reports an expression error without touching the
// connection state or the last good value.
func (e *engine) evaluationFailed(err error) {
	e.metrics.EvaluationError(e.Conn.Protocol())
	e.logger.Warn("calc evaluation failed", "expr", e.cfg.Expr, "error", err)
	if e.onError != nil {
		e.onError(e.Conn.Key(), err)
	}
	e.Conn.ReportError(err)
}

// input is the listener the engine registers on one upstream channel.
type input struct {
	engine *engine
	index  int
}

func (in *input) OnValue(v any)              { in.engine.inputValue(in.index, v) }
func (in *input) OnConnectionState(c bool)   { in.engine.inputConnection(in.index, c) }
func (in *input) OnSeverity(s core.Severity) { in.engine.inputSeverity(in.index, s) }
