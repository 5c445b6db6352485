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

// Package sse streams the updates of one channel address to a remote
// display as server-sent events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/bridge"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

const keepAliveInterval = 15 * time.Second

type Entrypoint struct {
	name       string
	port       int
	dispatcher core.Dispatcher
	server     *http.Server
	logger     *slog.Logger
	streams    sync.Map
	keepAlive  time.Duration
}

func New(name string, port int, logger *slog.Logger) *Entrypoint {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Entrypoint{name: name, port: port, logger: logger, keepAlive: keepAliveInterval}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "sse" }

func (e *Entrypoint) Handler(d core.Dispatcher) http.Handler {
	e.dispatcher = d
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleSSE)
	return mux
}

func (e *Entrypoint) Start(ctx context.Context, dispatcher core.Dispatcher) error {
	e.server = &http.Server{Addr: fmt.Sprintf(":%d", e.port), Handler: e.Handler(dispatcher)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("sse entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends every open stream and shuts the server down.
func (e *Entrypoint) Stop(ctx context.Context) error {
	e.streams.Range(func(_, val any) bool {
		val.(context.CancelFunc)()
		return true
	})
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		http.Error(w, "address query parameter is required", http.StatusBadRequest)
		return
	}

	streamID := uuid.New().String()
	clientID := core.DisplayID(r)
	outbox := bridge.NewOutbox(256, clientID, e.logger)
	sub, err := e.dispatcher.Subscribe(r.Context(), bridge.NewListener(streamID, address, outbox.Send), address)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, core.ErrMalformedAddress) || errors.Is(err, core.ErrUnknownProtocol) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	e.streams.Store(streamID, cancel)
	defer func() {
		cancel()
		e.streams.Delete(streamID)
		if err := e.dispatcher.Unsubscribe(context.Background(), sub); err != nil {
			e.logger.Warn("sse unsubscribe failed", "client_id", clientID, "error", err)
		}
		outbox.Close()
		e.logger.Info("sse client disconnected", "client_id", clientID, "address", address)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	e.logger.Info("sse client connected", "client_id", clientID, "address", address)

	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()
	var seq atomic.Uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case u, ok := <-outbox.C():
			if !ok {
				e.logger.Warn("sse client too slow, closing", "client_id", clientID, "address", address)
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				e.logger.Error("marshal sse event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq.Add(1), u.Kind, data)
			flusher.Flush()
		}
	}
}
