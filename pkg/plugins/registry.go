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
	"log/slog"
	"sort"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// Registry is the protocol to plugin table, plus the entrypoints that
// expose the dispatcher remotely.
type Registry struct {
	protocols   map[string]core.Plugin
	entrypoints map[string]core.Entrypoint
	healthy     map[string]bool
	logger      *slog.Logger
	mu          sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		protocols:   make(map[string]core.Plugin),
		entrypoints: make(map[string]core.Entrypoint),
		healthy:     make(map[string]bool),
		logger:      logger,
	}
}

// Register adds p under its protocol. Registering a protocol twice replaces
// the earlier plugin.
func (r *Registry) Register(p core.Plugin) {
	r.mu.Lock()
	_, replaced := r.protocols[p.Protocol()]
	r.protocols[p.Protocol()] = p
	r.mu.Unlock()
	if replaced {
		r.logger.Warn("replaced protocol plugin", "protocol", p.Protocol())
		return
	}
	r.logger.Info("registered protocol", "protocol", p.Protocol())
}

func (r *Registry) Lookup(protocol string) (core.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[protocol]
	return p, ok
}

// Protocols returns the registered schemes in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.protocols))
	for k := range r.protocols {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) RegisterEntrypoint(e core.Entrypoint) {
	r.mu.Lock()
	r.entrypoints[e.Name()] = e
	r.mu.Unlock()
	r.logger.Info("registered entrypoint", "name", e.Name(), "type", e.Type())
}

func (r *Registry) Entrypoints() map[string]core.Entrypoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Entrypoint, len(r.entrypoints))
	for k, v := range r.entrypoints {
		cp[k] = v
	}
	return cp
}

// StartAll starts the shared clients of every plugin that has one and
// returns how many started. A plugin that fails to start stays registered
// and reports unhealthy; its channels fail at connect time.
func (r *Registry) StartAll(ctx context.Context) int {
	r.mu.RLock()
	plugins := make(map[string]core.Plugin, len(r.protocols))
	for k, v := range r.protocols {
		plugins[k] = v
	}
	r.mu.RUnlock()

	started := 0
	for name, p := range plugins {
		healthy := true
		if s, ok := p.(core.Starter); ok {
			if err := s.Start(ctx); err != nil {
				r.logger.Error("protocol start failed", "protocol", name, "error", err)
				healthy = false
			}
		}
		if healthy {
			started++
		}
		r.mu.Lock()
		r.healthy[name] = healthy
		r.mu.Unlock()
	}
	return started
}

func (r *Registry) IsHealthy(protocol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[protocol]
}

func (r *Registry) StartEntrypoints(ctx context.Context, dispatcher core.Dispatcher) {
	for name, ep := range r.Entrypoints() {
		go func(n string, e core.Entrypoint) {
			if err := e.Start(ctx, dispatcher); err != nil {
				r.logger.Error("entrypoint failed", "name", n, "error", err)
			}
		}(name, ep)
	}
}

// StopEntrypoints stops the remote bridges so no new subscriptions arrive.
func (r *Registry) StopEntrypoints(ctx context.Context) {
	for name, ep := range r.Entrypoints() {
		r.logger.Info("stopping entrypoint", "name", name)
		if err := ep.Stop(ctx); err != nil {
			r.logger.Warn("entrypoint stop error", "name", name, "error", err)
		}
	}
}

// StopPlugins stops the shared clients of every plugin.
func (r *Registry) StopPlugins(ctx context.Context) {
	r.mu.RLock()
	plugins := make(map[string]core.Plugin, len(r.protocols))
	for k, v := range r.protocols {
		plugins[k] = v
	}
	r.mu.RUnlock()

	for name, p := range plugins {
		s, ok := p.(core.Stopper)
		if !ok {
			continue
		}
		r.logger.Info("stopping protocol", "protocol", name)
		if err := s.Stop(ctx); err != nil {
			r.logger.Warn("protocol stop error", "protocol", name, "error", err)
		}
	}
}

func (r *Registry) StopAll(ctx context.Context) {
	r.StopEntrypoints(ctx)
	r.StopPlugins(ctx)
}
