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

// Package mqtt5 serves channels backed by MQTT v5 topics. The payload of a
// channel address is the topic; the last retained message is its initial
// value and writes publish to the same topic.
package mqtt5

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

type Config struct {
	BrokerURL      string
	QoS            byte
	Retain         bool
	ClientPrefix   string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// ConfigFromMap reads broker_url, qos, retain, client_prefix,
// connect_timeout and write_timeout.
func ConfigFromMap(m map[string]string) (Config, error) {
	cfg := Config{
		BrokerURL:      m["broker_url"],
		QoS:            1,
		Retain:         true,
		ClientPrefix:   "channel-engine",
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
	if cfg.BrokerURL == "" {
		return Config{}, fmt.Errorf("mqtt5: broker_url is required")
	}
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return Config{}, fmt.Errorf("mqtt5 invalid URL: %w", err)
	}
	if s := m["qos"]; s != "" {
		q, err := strconv.Atoi(s)
		if err != nil || q < 0 || q > 2 {
			return Config{}, fmt.Errorf("mqtt5: invalid qos %q", s)
		}
		cfg.QoS = byte(q)
	}
	if s := m["retain"]; s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Config{}, fmt.Errorf("mqtt5: invalid retain %q", s)
		}
		cfg.Retain = b
	}
	if s := m["client_prefix"]; s != "" {
		cfg.ClientPrefix = s
	}
	for key, dst := range map[string]*time.Duration{"connect_timeout": &cfg.ConnectTimeout, "write_timeout": &cfg.WriteTimeout} {
		if s := m[key]; s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return Config{}, fmt.Errorf("mqtt5: invalid %s %q", key, s)
			}
			*dst = d
		}
	}
	return cfg, nil
}

type handle struct {
	topic string
	sink  core.SourceSink
}

type Source struct {
	name   string
	cfg    Config
	logger *slog.Logger

	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
	up     atomic.Bool

	mu     sync.RWMutex
	topics map[string]map[*handle]struct{}
}

func New(name string, cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		name:   name,
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]map[*handle]struct{}),
	}
}

// Start opens the shared broker connection. The connection manager keeps
// reconnecting in the background if the first attempt times out.
func (s *Source) Start(ctx context.Context) error {
	serverURL, err := url.Parse(s.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt5 connection up", "name", s.name)
			s.up.Store(true)
			s.resubscribe(cm)
			s.broadcastState(true)
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt5 connect error", "name", s.name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientPrefix + "-" + s.name + "-" + uuid.New().String()[:8],
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.deliver(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				s.linkDown("client error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.linkDown("server disconnect", fmt.Errorf("reason code %d", d.ReasonCode))
			},
		},
	}

	s.cm, err = autopaho.NewConnection(runCtx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt5 connection: %w", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer awaitCancel()
	if err := s.cm.AwaitConnection(awaitCtx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	s.logger.Info("mqtt5 source connected", "name", s.name, "broker", s.cfg.BrokerURL)
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	err := s.cm.Disconnect(ctx)
	s.cancel()
	return err
}

func (s *Source) linkDown(reason string, err error) {
	if s.up.Swap(false) {
		s.logger.Warn("mqtt5 connection down", "name", s.name, "reason", reason, "error", err)
		s.broadcastState(false)
	}
}

func (s *Source) broadcastState(connected bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, handles := range s.topics {
		for h := range handles {
			h.sink.OnConnectionState(connected)
			if connected {
				h.sink.OnWriteAccess(true)
			}
		}
	}
}

func (s *Source) resubscribe(cm *autopaho.ConnectionManager) {
	s.mu.RLock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.RUnlock()
	if len(topics) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: t, QoS: s.cfg.QoS})
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
			s.logger.Error("mqtt5 resubscribe failed", "name", s.name, "error", err)
		}
	}()
}

func (s *Source) deliver(topic string, payload []byte) {
	v := core.DecodePayload(payload)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for filter, handles := range s.topics {
		if !TopicMatches(filter, topic) {
			continue
		}
		for h := range handles {
			h.sink.OnValue(v)
		}
	}
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	topic := strings.TrimSpace(payload)
	if topic == "" {
		return nil, fmt.Errorf("%w: empty mqtt topic", core.ErrMalformedAddress)
	}
	if s.cm == nil {
		return nil, fmt.Errorf("%w: mqtt5 source %s not started", core.ErrNotConnected, s.name)
	}
	return &handle{topic: topic}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	mh := h.(*handle)
	mh.sink = sink

	s.mu.Lock()
	handles, exists := s.topics[mh.topic]
	if !exists {
		handles = make(map[*handle]struct{})
		s.topics[mh.topic] = handles
	}
	handles[mh] = struct{}{}
	s.mu.Unlock()

	if !exists && s.up.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		_, err := s.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{
				{Topic: mh.topic, QoS: s.cfg.QoS},
			},
		})
		if err != nil {
			s.remove(mh)
			return fmt.Errorf("mqtt5 subscribe: %w", err)
		}
	}

	connected := s.up.Load()
	sink.OnConnectionState(connected)
	sink.OnWriteAccess(connected)
	return nil
}

// Write publishes v to the channel's topic. Completion is reported once the
// broker acknowledges the publish.
func (s *Source) Write(ctx context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	mh := h.(*handle)
	if strings.ContainsAny(mh.topic, "+#") {
		return fmt.Errorf("%w: cannot publish to filter %s", core.ErrWriteNotPermitted, mh.topic)
	}
	payload, err := core.EncodeValue(v)
	if err != nil {
		return err
	}

	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		defer cancel()
		_, err := s.cm.Publish(pubCtx, &paho.Publish{
			Topic:   mh.topic,
			QoS:     s.cfg.QoS,
			Retain:  s.cfg.Retain,
			Payload: payload,
		})
		if err != nil {
			err = fmt.Errorf("mqtt5 publish: %w", err)
		}
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

func (s *Source) Disconnect(ctx context.Context, h core.SourceHandle) error {
	mh := h.(*handle)
	if !s.remove(mh) || !s.up.Load() {
		return nil
	}
	if _, err := s.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{mh.topic}}); err != nil {
		return fmt.Errorf("mqtt5 unsubscribe: %w", err)
	}
	return nil
}

// remove drops h and reports whether it was the last handle on its topic.
func (s *Source) remove(h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles, ok := s.topics[h.topic]
	if !ok {
		return false
	}
	delete(handles, h)
	if len(handles) > 0 {
		return false
	}
	delete(s.topics, h.topic)
	return true
}

// TopicMatches reports whether topic matches an MQTT topic filter that may
// contain + and # wildcards.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
