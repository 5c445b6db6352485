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

// Package engine assembles the delivery queue, the connection registry,
// the protocol table and the dispatcher into one runnable unit.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/delivery"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/dispatch"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/registry"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins"
)

type Engine struct {
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Queue       *delivery.Queue
	Connections *registry.Registry
	Plugins     *plugins.Registry
	Dispatcher  *dispatch.Dispatcher
}

func New(logger *slog.Logger, m *metrics.Metrics, writeTimeout time.Duration) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	queue := delivery.NewQueue(logger, m)
	connections := registry.New(logger, m)
	protocols := plugins.NewRegistry(logger)
	return &Engine{
		Logger:      logger,
		Metrics:     m,
		Queue:       queue,
		Connections: connections,
		Plugins:     protocols,
		Dispatcher: dispatch.New(protocols, connections, queue,
			dispatch.WithLogger(logger),
			dispatch.WithMetrics(m),
			dispatch.WithWriteTimeout(writeTimeout),
		),
	}
}

// Start starts the shared protocol clients and then the entrypoints.
func (e *Engine) Start(ctx context.Context) {
	started := e.Plugins.StartAll(ctx)
	e.Logger.Info("protocols started", "started", started, "registered", len(e.Plugins.Protocols()))
	e.Plugins.StartEntrypoints(ctx, e.Dispatcher)
}

// Run drives the delivery context until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.Queue.Run(ctx)
}

// Shutdown stops the entrypoints, releases every subscription and shared
// connection, stops the protocol clients and finally the delivery queue.
func (e *Engine) Shutdown(ctx context.Context) {
	e.Plugins.StopEntrypoints(ctx)
	e.Dispatcher.UnsubscribeAll(ctx)
	e.Connections.CloseAll(ctx)
	e.Plugins.StopPlugins(ctx)
	e.Queue.Process()
	e.Queue.Close()
	e.Logger.Info("engine stopped")
}
