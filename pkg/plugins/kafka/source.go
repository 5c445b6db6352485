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

// Package kafka serves channels backed by Kafka topics. Each channel reads
// its topic with a private consumer group so every connection sees every
// record; writes go through one shared producer.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type Config struct {
	Brokers      []string
	GroupPrefix  string
	WriteTimeout time.Duration
	RetryBackoff time.Duration
}

func ConfigFromMap(m map[string]string) (Config, error) {
	cfg := Config{
		GroupPrefix:  "channel-engine",
		WriteTimeout: 5 * time.Second,
		RetryBackoff: time.Second,
	}
	for _, b := range strings.Split(m["brokers"], ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	if len(cfg.Brokers) == 0 {
		return Config{}, fmt.Errorf("kafka: brokers is required")
	}
	if s := m["group_prefix"]; s != "" {
		cfg.GroupPrefix = s
	}
	for key, dst := range map[string]*time.Duration{"write_timeout": &cfg.WriteTimeout, "retry_backoff": &cfg.RetryBackoff} {
		if s := m[key]; s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return Config{}, fmt.Errorf("kafka: invalid %s %q", key, s)
			}
			*dst = d
		}
	}
	return cfg, nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type handle struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

type Source struct {
	name   string
	cfg    Config
	logger *slog.Logger

	newReader func(topic, groupID string) messageReader
	writer    messageWriter

	mu      sync.Mutex
	handles map[*handle]struct{}
}

func New(name string, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Source{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[*handle]struct{}),
	}
	s.newReader = func(topic, groupID string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     s.cfg.Brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.LastOffset,
			MaxWait:     500 * time.Millisecond,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
	}
	return s
}

// Start checks that a broker is reachable and creates the shared writer.
func (s *Source) Start(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", s.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	conn.Close()

	s.writer = &kafka.Writer{
		Addr:                   kafka.TCP(s.cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	s.logger.Info("kafka source connected",
		"name", s.name,
		"brokers", strings.Join(s.cfg.Brokers, ","),
	)
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		_ = s.Disconnect(ctx, h)
	}
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	topic := strings.TrimSpace(payload)
	if topic == "" || strings.ContainsAny(topic, " /") {
		return nil, fmt.Errorf("%w: invalid kafka topic %q", core.ErrMalformedAddress, payload)
	}
	return &handle{topic: topic}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	kh := h.(*handle)
	groupID := s.cfg.GroupPrefix + "-" + s.name + "-" + uuid.New().String()[:8]
	reader := s.newReader(kh.topic, groupID)

	ctx, cancel := context.WithCancel(context.Background())
	kh.cancel = cancel
	kh.done = make(chan struct{})

	s.mu.Lock()
	s.handles[kh] = struct{}{}
	s.mu.Unlock()

	sink.OnConnectionState(true)
	sink.OnWriteAccess(s.writer != nil)
	go s.consume(ctx, kh, reader, sink)
	return nil
}

func (s *Source) consume(ctx context.Context, h *handle, reader messageReader, sink core.SourceSink) {
	defer close(h.done)
	defer reader.Close()

	connected := true
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if connected {
				s.logger.Warn("kafka fetch error", "name", s.name, "topic", h.topic, "error", err)
				sink.OnConnectionState(false)
				connected = false
			}
			select {
			case <-time.After(s.cfg.RetryBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		if !connected {
			sink.OnConnectionState(true)
			sink.OnWriteAccess(s.writer != nil)
			connected = true
		}
		sink.OnValue(core.DecodePayload(msg.Value))
	}
}

func (s *Source) Write(ctx context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	kh := h.(*handle)
	if s.writer == nil {
		return fmt.Errorf("%w: kafka source %s not started", core.ErrNotConnected, s.name)
	}
	payload, err := core.EncodeValue(v)
	if err != nil {
		return err
	}

	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		defer cancel()
		err := s.writer.WriteMessages(wctx, kafka.Message{
			Topic: kh.topic,
			Key:   []byte(kh.topic),
			Value: payload,
			Time:  time.Now().UTC(),
		})
		if err != nil {
			err = fmt.Errorf("kafka write: %w", err)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

func (s *Source) Disconnect(ctx context.Context, h core.SourceHandle) error {
	kh := h.(*handle)
	s.mu.Lock()
	_, ok := s.handles[kh]
	delete(s.handles, kh)
	s.mu.Unlock()
	if !ok || kh.cancel == nil {
		return nil
	}

	kh.cancel()
	select {
	case <-kh.done:
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("kafka reader for %s did not stop", kh.topic), ctx.Err())
	}
}
