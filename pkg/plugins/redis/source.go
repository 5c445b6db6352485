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

// Package redis serves channels backed by Redis keys. The stored key holds
// the last value and a pub/sub channel carries updates; writes set the key
// and publish in one transaction.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type Config struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	PingInterval  time.Duration
	WriteTimeout  time.Duration
}

func ConfigFromMap(m map[string]string) (Config, error) {
	cfg := Config{
		Addr:          m["addr"],
		Password:      m["password"],
		ChannelPrefix: "channel-engine:",
		PingInterval:  5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
	if cfg.Addr == "" {
		return Config{}, fmt.Errorf("redis: addr is required")
	}
	if s := m["db"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("redis: invalid db %q", s)
		}
		cfg.DB = n
	}
	if s, ok := m["channel_prefix"]; ok {
		cfg.ChannelPrefix = s
	}
	for key, dst := range map[string]*time.Duration{"ping_interval": &cfg.PingInterval, "write_timeout": &cfg.WriteTimeout} {
		if s := m[key]; s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 {
				return Config{}, fmt.Errorf("redis: invalid %s %q", key, s)
			}
			*dst = d
		}
	}
	return cfg, nil
}

type handle struct {
	key  string
	sink core.SourceSink
}

type Source struct {
	name   string
	cfg    Config
	logger *slog.Logger

	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	healthy  bool
	channels map[string]map[*handle]struct{}
}

func New(name string, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		name:     name,
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]map[*handle]struct{}),
	}
}

func (s *Source) channelFor(key string) string {
	return s.cfg.ChannelPrefix + key
}

func (s *Source) Start(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		s.client.Close()
		return fmt.Errorf("redis connection failed: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s.cancel = runCancel
	s.pubsub = s.client.Subscribe(runCtx)
	s.healthy = true

	s.wg.Add(2)
	go s.receiveLoop(s.pubsub.Channel())
	go s.pingLoop(runCtx)

	s.logger.Info("redis source connected", "name", s.name, "addr", s.cfg.Addr)
	return nil
}

func (s *Source) Stop(_ context.Context) error {
	if s.client == nil {
		return nil
	}
	s.cancel()
	err := errors.Join(s.pubsub.Close(), s.client.Close())
	s.wg.Wait()
	return err
}

func (s *Source) receiveLoop(msgs <-chan *redis.Message) {
	defer s.wg.Done()
	for msg := range msgs {
		s.deliver(msg.Channel, msg.Payload)
	}
}

func (s *Source) deliver(channel, payload string) {
	v := core.DecodePayload([]byte(payload))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for h := range s.channels[channel] {
		h.sink.OnValue(v)
	}
}

// pingLoop tracks server health. Channels drop to disconnected while the
// server is unreachable and re-read their key when it comes back.
func (s *Source) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
		err := s.client.Ping(pingCtx).Err()
		cancel()
		s.setHealthy(ctx, err == nil, err)
	}
}

func (s *Source) setHealthy(ctx context.Context, healthy bool, cause error) {
	s.mu.Lock()
	if s.healthy == healthy {
		s.mu.Unlock()
		return
	}
	s.healthy = healthy
	var handles []*handle
	for _, hs := range s.channels {
		for h := range hs {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	if healthy {
		s.logger.Info("redis connection restored", "name", s.name)
	} else {
		s.logger.Warn("redis connection lost", "name", s.name, "error", cause)
	}
	for _, h := range handles {
		h.sink.OnConnectionState(healthy)
		if healthy {
			h.sink.OnWriteAccess(true)
			s.loadInitial(ctx, h)
		}
	}
}

func (s *Source) loadInitial(ctx context.Context, h *handle) {
	val, err := s.client.Get(ctx, h.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		s.logger.Warn("redis get failed", "name", s.name, "key", h.key, "error", err)
	default:
		h.sink.OnValue(core.DecodePayload([]byte(val)))
	}
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	key := strings.TrimSpace(payload)
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return nil, fmt.Errorf("%w: invalid redis key %q", core.ErrMalformedAddress, payload)
	}
	if s.client == nil {
		return nil, fmt.Errorf("%w: redis source %s not started", core.ErrNotConnected, s.name)
	}
	return &handle{key: key}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	rh := h.(*handle)
	rh.sink = sink
	channel := s.channelFor(rh.key)
	exists, healthy := s.attach(channel, rh)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if !exists {
		if err := s.pubsub.Subscribe(ctx, channel); err != nil {
			s.remove(rh)
			return fmt.Errorf("redis subscribe %s: %w", channel, err)
		}
	}
	if healthy {
		s.loadInitial(ctx, rh)
	}
	return nil
}

// attach reports the link state to h and then adds it to channel, both under
// the write lock, so neither a message nor a health change reaches h first.
// It returns whether channel already had handles.
func (s *Source) attach(channel string, h *handle) (exists, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	healthy = s.healthy
	h.sink.OnConnectionState(healthy)
	if healthy {
		h.sink.OnWriteAccess(true)
	}

	hs, exists := s.channels[channel]
	if !exists {
		hs = make(map[*handle]struct{})
		s.channels[channel] = hs
	}
	hs[h] = struct{}{}
	return exists, healthy
}

func (s *Source) Write(ctx context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	rh := h.(*handle)
	data, err := core.EncodeValue(v)
	if err != nil {
		return err
	}

	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		defer cancel()
		pipe := s.client.TxPipeline()
		pipe.Set(wctx, rh.key, data, 0)
		pipe.Publish(wctx, s.channelFor(rh.key), data)
		_, err := pipe.Exec(wctx)
		if err != nil {
			err = fmt.Errorf("redis write %s: %w", rh.key, err)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

func (s *Source) Disconnect(ctx context.Context, h core.SourceHandle) error {
	rh := h.(*handle)
	if !s.remove(rh) || s.pubsub == nil {
		return nil
	}
	if err := s.pubsub.Unsubscribe(ctx, s.channelFor(rh.key)); err != nil {
		return fmt.Errorf("redis unsubscribe: %w", err)
	}
	return nil
}

// remove drops h and reports whether its pub/sub channel has no handles left.
func (s *Source) remove(h *handle) bool {
	channel := s.channelFor(h.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.channels[channel]
	if !ok {
		return false
	}
	delete(hs, h)
	if len(hs) > 0 {
		return false
	}
	delete(s.channels, channel)
	return true
}
