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

// Package httppost writes to a channel over plain HTTP and waits for the
// source to acknowledge the write.
package httppost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/bridge"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type Entrypoint struct {
	name       string
	port       int
	dispatcher core.Dispatcher
	server     *http.Server
	logger     *slog.Logger
	maxBody    int64
}

func New(name string, port int, logger *slog.Logger) *Entrypoint {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Entrypoint{
		name:    name,
		port:    port,
		logger:  logger,
		maxBody: 1 << 20,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "http_post" }

func (e *Entrypoint) Handler(d core.Dispatcher) http.Handler {
	e.dispatcher = d
	mux := http.NewServeMux()
	mux.HandleFunc("/write", e.handlePost)
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

	e.logger.Info("http_post entrypoint starting", "name", e.name, "port", e.port)
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

type response struct {
	Status  string `json:"status"`
	Address string `json:"address"`
	Error   string `json:"error,omitempty"`
}

func reply(w http.ResponseWriter, address string, err error) {
	res := response{Status: "ok", Address: address}
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(bridge.HTTPStatus(err))
	json.NewEncoder(w).Encode(res)
}

// handlePost writes the request body to the address. The body is decoded
// like a broker payload: JSON scalars and numeric arrays, otherwise text.
func (e *Entrypoint) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	address := q.Get("address")
	if address == "" {
		reply(w, address, fmt.Errorf("%w: address query parameter is required", core.ErrMalformedAddress))
		return
	}
	var timeout time.Duration
	if s := q.Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			reply(w, address, fmt.Errorf("%w: invalid timeout %q", core.ErrInvalidValue, s))
			return
		}
		timeout = d
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxBody))
	defer r.Body.Close()
	if err != nil {
		reply(w, address, fmt.Errorf("%w: %v", core.ErrInvalidValue, err))
		return
	}
	value := core.DecodePayload(body)

	snap := bridge.NewSnapshot()
	sub, err := e.dispatcher.Subscribe(r.Context(), snap, address)
	if err != nil {
		reply(w, address, err)
		return
	}
	defer func() {
		if err := e.dispatcher.Unsubscribe(context.Background(), sub); err != nil {
			e.logger.Warn("http_post unsubscribe failed", "address", address, "error", err)
		}
	}()

	// A fresh connection may still be connecting. The write itself reports
	// the precise reason if the channel never becomes writable.
	waitFor := timeout
	if waitFor <= 0 {
		waitFor = 2 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(r.Context(), waitFor)
	_ = snap.WaitWritable(waitCtx)
	cancel()

	err = sub.WriteAndWait(r.Context(), value, timeout)
	if err != nil {
		e.logger.Info("http_post write failed", "client_id", core.DisplayID(r), "address", address, "error", err)
	}
	reply(w, address, err)
}
