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

// Package calc serves calc:// channels, whose value is an expression over
// other channels. Expressions use HCL syntax; inputs are available by name
// and positionally through inputs[i].
package calc

import (
	"context"
	"log/slog"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/connection"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

const DefaultProtocol = "calc"

type Option func(*Plugin)

// WithProtocol serves the calc engine under another scheme.
func WithProtocol(name string) Option {
	return func(p *Plugin) { p.protocol = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Plugin) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Plugin) { p.metrics = m }
}

// WithErrorHook registers fn to observe expression evaluation errors.
func WithErrorHook(fn func(key string, err error)) Option {
	return func(p *Plugin) { p.onError = fn }
}

// WithConnectionOptions passes options to every calc connection.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(p *Plugin) { p.connOpts = append(p.connOpts, opts...) }
}

type Plugin struct {
	protocol   string
	dispatcher core.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	onError    func(key string, err error)
	connOpts   []connection.Option
}

// New returns a calc plugin that subscribes to inputs through d.
func New(d core.Dispatcher, opts ...Option) *Plugin {
	p := &Plugin{
		protocol:   DefaultProtocol,
		dispatcher: d,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Protocol() string {
	return p.protocol
}

func (p *Plugin) ConnectionKey(payload string) (string, error) {
	cfg, err := ParseConfig(payload)
	if err != nil {
		return "", err
	}
	return cfg.Key(), nil
}

func (p *Plugin) NewConnection(ctx context.Context, key, payload string, poster core.Poster) (core.Connection, error) {
	cfg, err := ParseConfig(payload)
	if err != nil {
		return nil, err
	}
	return newEngine(ctx, p, key, cfg, poster)
}
