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

// Package httpget answers one-shot reads of a channel over plain HTTP.
package httpget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/bridge"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

const defaultTimeout = 2 * time.Second

type Entrypoint struct {
	name       string
	port       int
	dispatcher core.Dispatcher
	server     *http.Server
	logger     *slog.Logger
}

func New(name string, port int, logger *slog.Logger) *Entrypoint {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Entrypoint{name: name, port: port, logger: logger}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "http_get" }

func (e *Entrypoint) Handler(d core.Dispatcher) http.Handler {
	e.dispatcher = d
	mux := http.NewServeMux()
	mux.HandleFunc("/value", e.handleValue)
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

	e.logger.Info("http_get entrypoint starting", "name", e.name, "port", e.port)
	if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleValue subscribes to the address, waits for the first value while
// connected and replies with the channel's current state.
func (e *Entrypoint) handleValue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	address := q.Get("address")
	if address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address query parameter is required"})
		return
	}
	timeout := defaultTimeout
	if s := q.Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid timeout " + s})
			return
		}
		timeout = d
	}

	snap := bridge.NewSnapshot()
	sub, err := e.dispatcher.Subscribe(r.Context(), snap, address)
	if err != nil {
		writeJSON(w, bridge.HTTPStatus(err), map[string]string{"error": err.Error()})
		return
	}
	defer func() {
		if err := e.dispatcher.Unsubscribe(context.Background(), sub); err != nil {
			e.logger.Warn("http_get unsubscribe failed", "address", address, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := snap.WaitValue(ctx); err != nil {
		e.logger.Debug("http_get no value", "client_id", core.DisplayID(r), "address", address, "timeout", timeout)
		writeJSON(w, http.StatusGatewayTimeout, snap.Update(address))
		return
	}
	writeJSON(w, http.StatusOK, snap.Update(address))
}
