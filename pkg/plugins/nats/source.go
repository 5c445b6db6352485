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

// Package nats serves channels backed by NATS subjects.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	WriteTimeout  time.Duration
}

func ConfigFromMap(m map[string]string) (Config, error) {
	cfg := Config{
		URL:           m["url"],
		Name:          m["client_name"],
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if s := m["max_reconnects"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("nats: invalid max_reconnects %q", s)
		}
		cfg.MaxReconnects = n
	}
	for key, dst := range map[string]*time.Duration{"reconnect_wait": &cfg.ReconnectWait, "write_timeout": &cfg.WriteTimeout} {
		if s := m[key]; s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return Config{}, fmt.Errorf("nats: invalid %s %q", key, s)
			}
			*dst = d
		}
	}
	return cfg, nil
}

type handle struct {
	subject string
	sink    core.SourceSink
	sub     *nats.Subscription
}

type Source struct {
	name   string
	cfg    Config
	logger *slog.Logger

	conn *nats.Conn

	mu      sync.Mutex
	handles map[*handle]struct{}
}

func New(name string, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Name == "" {
		cfg.Name = "channel-engine-" + name + "-" + uuid.New().String()[:8]
	}
	return &Source{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[*handle]struct{}),
	}
}

func (s *Source) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(s.handleDisconnect),
		nats.ReconnectHandler(s.handleReconnect),
		nats.ClosedHandler(s.handleClosed),
	}
}

func (s *Source) Start(ctx context.Context) error {
	connected := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(s.cfg.URL, s.connectionOptions()...)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
		}
		connected <- err
	}()

	select {
	case err := <-connected:
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("nats connect: %w", ctx.Err())
	}
	s.logger.Info("nats source connected", "name", s.name, "url", s.cfg.URL)
	return nil
}

func (s *Source) Stop(_ context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Drain()
}

func (s *Source) handleDisconnect(_ *nats.Conn, err error) {
	s.logger.Warn("nats connection lost", "name", s.name, "error", err)
	s.broadcast(false)
}

func (s *Source) handleReconnect(conn *nats.Conn) {
	s.logger.Info("nats connection restored", "name", s.name, "url", conn.ConnectedUrl())
	s.broadcast(true)
}

func (s *Source) handleClosed(_ *nats.Conn) {
	s.logger.Info("nats connection closed", "name", s.name)
	s.broadcast(false)
}

func (s *Source) broadcast(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.handles {
		h.sink.OnConnectionState(connected)
		if connected {
			h.sink.OnWriteAccess(true)
		}
	}
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	subject := strings.TrimSpace(payload)
	if subject == "" || strings.ContainsAny(subject, " \t") || strings.Contains(subject, "..") {
		return nil, fmt.Errorf("%w: invalid nats subject %q", core.ErrMalformedAddress, payload)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, fmt.Errorf("%w: nats source %s not started", core.ErrNotConnected, s.name)
	}
	return &handle{subject: subject}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	nh := h.(*handle)
	nh.sink = sink

	sub, err := s.conn.Subscribe(nh.subject, func(msg *nats.Msg) {
		sink.OnValue(core.DecodePayload(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", nh.subject, err)
	}
	nh.sub = sub

	s.mu.Lock()
	s.handles[nh] = struct{}{}
	s.mu.Unlock()

	connected := s.conn.IsConnected()
	sink.OnConnectionState(connected)
	// Wildcard subjects cannot be published to.
	sink.OnWriteAccess(connected && !strings.ContainsAny(nh.subject, "*>"))
	return nil
}

func (s *Source) Write(ctx context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	nh := h.(*handle)
	if strings.ContainsAny(nh.subject, "*>") {
		return fmt.Errorf("%w: cannot publish to wildcard %s", core.ErrWriteNotPermitted, nh.subject)
	}
	data, err := core.EncodeValue(v)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(nh.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	go func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		defer cancel()
		err := s.conn.FlushWithContext(fctx)
		if err != nil {
			err = fmt.Errorf("nats flush: %w", err)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

func (s *Source) Disconnect(_ context.Context, h core.SourceHandle) error {
	nh := h.(*handle)
	s.mu.Lock()
	delete(s.handles, nh)
	s.mu.Unlock()
	if nh.sub == nil {
		return nil
	}
	if err := nh.sub.Unsubscribe(); err != nil && s.conn.IsConnected() {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}
