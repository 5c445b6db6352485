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

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/logging"
)

const (
	DefaultPath         = "/etc/channel-engine/config.yaml"
	DefaultWriteTimeout = 5 * time.Second
	DefaultMetricsPort  = 9090
)

// Protocol types.
const (
	TypeFake     = "fake"
	TypeLocal    = "local"
	TypeCalc     = "calc"
	TypeMQTT5    = "mqtt5"
	TypeKafka    = "kafka"
	TypeRabbitMQ = "rabbitmq"
	TypeJMS      = "jms"
	TypeRedis    = "redis"
	TypeNATS     = "nats"
)

// Entrypoint types.
const (
	EntrypointWebSocket = "websocket"
	EntrypointSSE       = "sse"
	EntrypointHTTPGet   = "http_get"
	EntrypointHTTPPost  = "http_post"
)

// requiredKeys lists the config keys each protocol type cannot run without.
var requiredKeys = map[string][]string{
	TypeFake:     nil,
	TypeLocal:    nil,
	TypeCalc:     nil,
	TypeMQTT5:    {"broker_url"},
	TypeKafka:    {"brokers"},
	TypeRabbitMQ: {"url"},
	TypeJMS:      {"url"},
	TypeRedis:    {"addr"},
	TypeNATS:     nil,
}

var entrypointTypes = map[string]bool{
	EntrypointWebSocket: true,
	EntrypointSSE:       true,
	EntrypointHTTPGet:   true,
	EntrypointHTTPPost:  true,
}

var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*$`)

type Config struct {
	LogLevel     string             `yaml:"log_level"`
	WriteTimeout time.Duration      `yaml:"write_timeout"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Entrypoints  []EntrypointConfig `yaml:"entrypoints"`
	Protocols    []ProtocolConfig   `yaml:"protocols"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
	Port    int   `yaml:"port"`
}

func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type EntrypointConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Port   int               `yaml:"port"`
	Config map[string]string `yaml:"config"`
}

// ProtocolConfig binds an address scheme to a source implementation.
type ProtocolConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// PathFromEnv returns CONFIG_PATH or the default location.
func PathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. A config without protocols serves the
// built-in fake, loc and calc schemes.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []ProtocolConfig{
			{Name: "fake", Type: TypeFake},
			{Name: "loc", Type: TypeLocal},
			{Name: "calc", Type: TypeCalc},
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	schemes := make(map[string]bool, len(c.Protocols))
	for i, p := range c.Protocols {
		switch {
		case !schemePattern.MatchString(p.Name):
			errs = append(errs, fmt.Errorf("protocols[%d]: invalid scheme %q", i, p.Name))
		case schemes[p.Name]:
			errs = append(errs, fmt.Errorf("protocols[%d]: duplicate scheme %q", i, p.Name))
		}
		schemes[p.Name] = true

		required, known := requiredKeys[p.Type]
		if !known {
			errs = append(errs, fmt.Errorf("protocols[%d]: unknown type %q", i, p.Type))
			continue
		}
		for _, key := range required {
			if p.Config[key] == "" {
				errs = append(errs, fmt.Errorf("protocols[%d] %s: missing config key %q", i, p.Name, key))
			}
		}
	}

	names := make(map[string]bool, len(c.Entrypoints))
	ports := map[int]string{}
	if c.Metrics.IsEnabled() {
		ports[c.Metrics.Port] = "metrics"
	}
	for i, e := range c.Entrypoints {
		if e.Name == "" || names[e.Name] {
			errs = append(errs, fmt.Errorf("entrypoints[%d]: missing or duplicate name %q", i, e.Name))
		}
		names[e.Name] = true
		if !entrypointTypes[e.Type] {
			errs = append(errs, fmt.Errorf("entrypoints[%d] %s: unknown type %q", i, e.Name, e.Type))
		}
		if e.Port <= 0 || e.Port > 65535 {
			errs = append(errs, fmt.Errorf("entrypoints[%d] %s: invalid port %d", i, e.Name, e.Port))
			continue
		}
		if owner, taken := ports[e.Port]; taken {
			errs = append(errs, fmt.Errorf("entrypoints[%d] %s: port %d already used by %s", i, e.Name, e.Port, owner))
		}
		ports[e.Port] = e.Name
	}
	return errors.Join(errs...)
}
