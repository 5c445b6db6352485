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

// Package rabbitmq serves channels backed by routing keys on an AMQP 0-9-1
// topic exchange. Every channel binds its own exclusive queue; writes are
// published with publisher confirms.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type Config struct {
	URL            string
	Exchange       string
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
}

func ConfigFromMap(m map[string]string) (Config, error) {
	cfg := Config{
		URL:            m["url"],
		Exchange:       "amq.topic",
		WriteTimeout:   5 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
	if cfg.URL == "" {
		return Config{}, fmt.Errorf("rabbitmq: url is required")
	}
	if s := m["exchange"]; s != "" {
		cfg.Exchange = s
	}
	for key, dst := range map[string]*time.Duration{"write_timeout": &cfg.WriteTimeout, "reconnect_delay": &cfg.ReconnectDelay} {
		if s := m[key]; s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return Config{}, fmt.Errorf("rabbitmq: invalid %s %q", key, s)
			}
			*dst = d
		}
	}
	return cfg, nil
}

type handle struct {
	key  string
	sink core.SourceSink
	ch   *amqp.Channel
}

type Source struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	connected bool
	handles   map[*handle]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[*handle]struct{}),
	}
}

func (s *Source) Start(ctx context.Context) error {
	if err := s.dial(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.supervise(runCtx)

	s.logger.Info("rabbitmq source connected", "name", s.name, "exchange", s.cfg.Exchange)
	return nil
}

func (s *Source) dial() error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	// amq.* exchanges are predeclared and may only be checked passively.
	if strings.HasPrefix(s.cfg.Exchange, "amq.") {
		err = pubCh.ExchangeDeclarePassive(s.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	} else {
		err = pubCh.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq exchange declare %s: %w", s.cfg.Exchange, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.pubCh = pubCh
	s.connected = true
	s.mu.Unlock()
	return nil
}

// supervise waits for the broker connection to drop and re-dials until it
// is back, then re-binds every live channel.
func (s *Source) supervise(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		closed := s.conn.NotifyClose(make(chan *amqp.Error, 1))
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case amqpErr := <-closed:
			s.logger.Warn("rabbitmq connection lost", "name", s.name, "error", amqpErr)
		}

		s.mu.Lock()
		s.connected = false
		s.pubCh = nil
		for h := range s.handles {
			h.ch = nil
			h.sink.OnConnectionState(false)
		}
		s.mu.Unlock()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectDelay):
			}
			if err := s.dial(); err != nil {
				s.logger.Warn("rabbitmq reconnect failed", "name", s.name, "error", err)
				continue
			}
			break
		}

		s.mu.Lock()
		for h := range s.handles {
			if err := s.attachLocked(h); err != nil {
				s.logger.Error("rabbitmq rebind failed", "name", s.name, "routing_key", h.key, "error", err)
				continue
			}
			h.sink.OnConnectionState(true)
			h.sink.OnWriteAccess(true)
		}
		s.mu.Unlock()
		s.logger.Info("rabbitmq connection restored", "name", s.name)
	}
}

func (s *Source) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.handles {
		if h.ch != nil {
			h.ch.Close()
		}
	}
	s.connected = false
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	key := strings.TrimSpace(payload)
	if key == "" || strings.ContainsAny(key, " \t") {
		return nil, fmt.Errorf("%w: invalid routing key %q", core.ErrMalformedAddress, payload)
	}
	return &handle{key: key}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	rh := h.(*handle)
	rh.sink = sink

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[rh] = struct{}{}
	if !s.connected {
		sink.OnConnectionState(false)
		return nil
	}
	if err := s.attachLocked(rh); err != nil {
		delete(s.handles, rh)
		return err
	}
	sink.OnConnectionState(true)
	sink.OnWriteAccess(true)
	return nil
}

func (s *Source) attachLocked(h *handle) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, h.key, s.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq queue bind %s: %w", h.key, err)
	}

	consumerTag := fmt.Sprintf("channel-engine-%s-%s", s.name, uuid.New().String()[:8])
	deliveries, err := ch.Consume(q.Name, consumerTag, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq consume: %w", err)
	}
	h.ch = ch

	sink := h.sink
	go func() {
		for d := range deliveries {
			sink.OnValue(core.DecodePayload(d.Body))
		}
	}()
	return nil
}

func (s *Source) Write(ctx context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	rh := h.(*handle)
	body, err := core.EncodeValue(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	pubCh := s.pubCh
	s.mu.Unlock()
	if pubCh == nil {
		return fmt.Errorf("%w: rabbitmq source %s", core.ErrNotConnected, s.name)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	confirm, err := pubCh.PublishWithDeferredConfirmWithContext(wctx,
		s.cfg.Exchange,
		rh.key,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			MessageId:   uuid.New().String(),
			Timestamp:   time.Now().UTC(),
		},
	)
	if err != nil {
		cancel()
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	go func() {
		defer cancel()
		acked, err := confirm.WaitContext(wctx)
		switch {
		case err != nil:
			err = fmt.Errorf("rabbitmq confirm: %w", err)
		case !acked:
			err = fmt.Errorf("rabbitmq publish nacked for %s", rh.key)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

func (s *Source) Disconnect(_ context.Context, h core.SourceHandle) error {
	rh := h.(*handle)
	s.mu.Lock()
	delete(s.handles, rh)
	ch := rh.ch
	rh.ch = nil
	s.mu.Unlock()
	if ch != nil {
		return ch.Close()
	}
	return nil
}
