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

// Package jms serves channels backed by AMQP 1.0 addresses on a JMS-style
// broker such as ActiveMQ Artemis. The payload of a channel address is the
// queue or topic name.
package jms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type Config struct {
	URL            string
	Credit         int32
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
}

func ConfigFromMap(m map[string]string) (Config, error) {
	cfg := Config{
		URL:            m["url"],
		Credit:         10,
		WriteTimeout:   5 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
	if cfg.URL == "" {
		return Config{}, fmt.Errorf("jms: url is required")
	}
	if s := m["credit"]; s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("jms: invalid credit %q", s)
		}
		cfg.Credit = int32(n)
	}
	for key, dst := range map[string]*time.Duration{"write_timeout": &cfg.WriteTimeout, "reconnect_delay": &cfg.ReconnectDelay} {
		if s := m[key]; s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return Config{}, fmt.Errorf("jms: invalid %s %q", key, s)
			}
			*dst = d
		}
	}
	return cfg, nil
}

type handle struct {
	address string
	sink    core.SourceSink

	mu       sync.Mutex
	session  *amqp.Session
	receiver *amqp.Receiver
	sender   *amqp.Sender
	cancel   context.CancelFunc
}

type Source struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Conn
	handles map[*handle]struct{}

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
	conn, err := amqp.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("jms dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.supervise(runCtx)

	s.logger.Info("jms source connected", "name", s.name, "url", s.cfg.URL)
	return nil
}

func (s *Source) supervise(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			s.logger.Warn("jms connection lost", "name", s.name, "error", conn.Err())
		}

		s.mu.Lock()
		s.conn = nil
		for h := range s.handles {
			h.detach()
			h.sink.OnConnectionState(false)
		}
		s.mu.Unlock()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectDelay):
			}
			dialCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			conn, err := amqp.Dial(dialCtx, s.cfg.URL, nil)
			cancel()
			if err != nil {
				s.logger.Warn("jms reconnect failed", "name", s.name, "error", err)
				continue
			}
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			break
		}

		s.mu.Lock()
		for h := range s.handles {
			if err := s.attachLocked(ctx, h); err != nil {
				s.logger.Error("jms reattach failed", "name", s.name, "address", h.address, "error", err)
				continue
			}
			h.sink.OnConnectionState(true)
			h.sink.OnWriteAccess(true)
		}
		s.mu.Unlock()
		s.logger.Info("jms connection restored", "name", s.name)
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
		h.detach()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	address := strings.TrimSpace(payload)
	if address == "" {
		return nil, fmt.Errorf("%w: empty jms address", core.ErrMalformedAddress)
	}
	return &handle{address: address}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	jh := h.(*handle)
	jh.sink = sink

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[jh] = struct{}{}
	if s.conn == nil {
		sink.OnConnectionState(false)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.attachLocked(ctx, jh); err != nil {
		delete(s.handles, jh)
		return err
	}
	sink.OnConnectionState(true)
	sink.OnWriteAccess(true)
	return nil
}

func (s *Source) attachLocked(ctx context.Context, h *handle) error {
	session, err := s.conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("jms session: %w", err)
	}
	receiver, err := session.NewReceiver(ctx, h.address, &amqp.ReceiverOptions{
		Credit: s.cfg.Credit,
		Name:   "channel-engine-" + uuid.New().String()[:8],
	})
	if err != nil {
		session.Close(ctx)
		return fmt.Errorf("jms receiver %s: %w", h.address, err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.session = session
	h.receiver = receiver
	h.sender = nil
	h.cancel = cancel
	h.mu.Unlock()

	go s.receive(recvCtx, h, receiver)
	return nil
}

func (s *Source) receive(ctx context.Context, h *handle, receiver *amqp.Receiver) {
	for {
		msg, err := receiver.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("jms receive error", "name", s.name, "address", h.address, "error", err)
			}
			return
		}
		h.sink.OnValue(messageValue(msg))
		if err := receiver.AcceptMessage(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Warn("jms accept failed", "name", s.name, "address", h.address, "error", err)
		}
	}
}

// messageValue reads the body of a data section or an AMQP value section.
func messageValue(msg *amqp.Message) any {
	if data := msg.GetData(); len(data) > 0 {
		return core.DecodePayload(data)
	}
	switch v := msg.Value.(type) {
	case nil:
		return ""
	case string:
		return core.DecodePayload([]byte(v))
	case []byte:
		return core.DecodePayload(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}

func (h *handle) detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if h.sender != nil {
		h.sender.Close(ctx)
		h.sender = nil
	}
	if h.receiver != nil {
		h.receiver.Close(ctx)
		h.receiver = nil
	}
	if h.session != nil {
		h.session.Close(ctx)
		h.session = nil
	}
}

func (h *handle) senderFor(ctx context.Context) (*amqp.Sender, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sender != nil {
		return h.sender, nil
	}
	if h.session == nil {
		return nil, core.ErrNotConnected
	}
	sender, err := h.session.NewSender(ctx, h.address, nil)
	if err != nil {
		return nil, fmt.Errorf("jms sender %s: %w", h.address, err)
	}
	h.sender = sender
	return sender, nil
}

func (s *Source) Write(ctx context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	jh := h.(*handle)
	body, err := core.EncodeValue(v)
	if err != nil {
		return err
	}

	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		defer cancel()
		err := func() error {
			sender, err := jh.senderFor(wctx)
			if err != nil {
				return err
			}
			return sender.Send(wctx, &amqp.Message{
				Data: [][]byte{body},
				Properties: &amqp.MessageProperties{
					MessageID: uuid.New().String(),
				},
			}, nil)
		}()
		if err != nil && !errors.Is(err, core.ErrNotConnected) {
			err = fmt.Errorf("jms send: %w", err)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

func (s *Source) Disconnect(_ context.Context, h core.SourceHandle) error {
	jh := h.(*handle)
	s.mu.Lock()
	delete(s.handles, jh)
	s.mu.Unlock()
	jh.detach()
	return nil
}
