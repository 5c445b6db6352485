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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/engine"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/internal/metrics"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/config"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/connection"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/calc"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/fake"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/httpget"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/httppost"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/jms"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/kafka"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/local"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/mqtt5"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/nats"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/rabbitmq"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/redis"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/sse"
	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/plugins/ws"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configPath := config.PathFromEnv()
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	lvl, _ := logging.ParseLevel(cfg.LogLevel)
	level.Set(lvl)

	m := metrics.New()
	eng := engine.New(logger, m, cfg.WriteTimeout)

	if err := registerProtocols(cfg, eng); err != nil {
		logger.Error("failed to register protocols", "error", err)
		os.Exit(1)
	}
	registerEntrypoints(cfg, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	if cfg.Metrics.IsEnabled() {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: metricsMux(m)}
		g.Go(func() error {
			logger.Info("metrics server starting", "port", cfg.Metrics.Port)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	watcher := config.NewWatcher(configPath, func(c *config.Config) {
		if l, err := logging.ParseLevel(c.LogLevel); err == nil {
			level.Set(l)
		}
		eng.Dispatcher.SetWriteTimeout(c.WriteTimeout)
	}, logger)
	g.Go(func() error {
		watcher.Watch(gctx)
		return nil
	})

	eng.Start(gctx)
	logger.Info("channel engine started", "config", configPath, "protocols", eng.Plugins.Protocols())

	<-gctx.Done()
	logger.Info("shutting down channel engine")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	eng.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		logger.Error("channel engine exited with error", "error", err)
		os.Exit(1)
	}
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func registerProtocols(cfg *config.Config, eng *engine.Engine) error {
	updates := logging.NewUpdateLogger(eng.Logger)
	connOpts := []connection.Option{
		connection.WithLogger(eng.Logger),
		connection.WithMetrics(eng.Metrics),
		connection.WithUpdateLogger(updates),
	}

	for _, p := range cfg.Protocols {
		logger := eng.Logger.With("protocol", p.Name)
		plugin, err := newPlugin(p, eng, logger, connOpts)
		if err != nil {
			return fmt.Errorf("protocol %s: %w", p.Name, err)
		}
		eng.Plugins.Register(plugin)
	}
	return nil
}

func newPlugin(p config.ProtocolConfig, eng *engine.Engine, logger *slog.Logger, connOpts []connection.Option) (core.Plugin, error) {
	var src core.Source
	switch p.Type {
	case config.TypeCalc:
		return calc.New(eng.Dispatcher,
			calc.WithProtocol(p.Name),
			calc.WithLogger(logger),
			calc.WithMetrics(eng.Metrics),
			calc.WithConnectionOptions(connOpts...),
		), nil
	case config.TypeFake:
		src = fake.NewSource(logger)
	case config.TypeLocal:
		src = local.NewSource(logger)
	case config.TypeMQTT5:
		c, err := mqtt5.ConfigFromMap(p.Config)
		if err != nil {
			return nil, err
		}
		src = mqtt5.New(p.Name, c, logger)
	case config.TypeKafka:
		c, err := kafka.ConfigFromMap(p.Config)
		if err != nil {
			return nil, err
		}
		src = kafka.New(p.Name, c, logger)
	case config.TypeRabbitMQ:
		c, err := rabbitmq.ConfigFromMap(p.Config)
		if err != nil {
			return nil, err
		}
		src = rabbitmq.New(p.Name, c, logger)
	case config.TypeJMS:
		c, err := jms.ConfigFromMap(p.Config)
		if err != nil {
			return nil, err
		}
		src = jms.New(p.Name, c, logger)
	case config.TypeRedis:
		c, err := redis.ConfigFromMap(p.Config)
		if err != nil {
			return nil, err
		}
		src = redis.New(p.Name, c, logger)
	case config.TypeNATS:
		c, err := nats.ConfigFromMap(p.Config)
		if err != nil {
			return nil, err
		}
		src = nats.New(p.Name, c, logger)
	default:
		return nil, fmt.Errorf("unknown protocol type %q", p.Type)
	}
	return connection.NewPlugin(p.Name, src, connOpts...), nil
}

func registerEntrypoints(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) {
	for _, e := range cfg.Entrypoints {
		switch e.Type {
		case config.EntrypointWebSocket:
			eng.Plugins.RegisterEntrypoint(ws.New(e.Name, e.Port, logger, wsOptions(e, logger)...))
		case config.EntrypointSSE:
			eng.Plugins.RegisterEntrypoint(sse.New(e.Name, e.Port, logger))
		case config.EntrypointHTTPPost:
			eng.Plugins.RegisterEntrypoint(httppost.New(e.Name, e.Port, logger))
		case config.EntrypointHTTPGet:
			eng.Plugins.RegisterEntrypoint(httpget.New(e.Name, e.Port, logger))
		default:
			logger.Warn("unknown entrypoint type", "name", e.Name, "type", e.Type)
		}
	}
}

func wsOptions(e config.EntrypointConfig, logger *slog.Logger) []ws.Option {
	var opts []ws.Option
	if s := e.Config["write_rate"]; s != "" {
		r, err := strconv.ParseFloat(s, 64)
		burst, berr := strconv.Atoi(e.Config["write_burst"])
		if err != nil || berr != nil {
			logger.Warn("ignoring invalid write rate", "name", e.Name, "write_rate", s, "write_burst", e.Config["write_burst"])
		} else {
			opts = append(opts, ws.WithWriteRate(rate.Limit(r), burst))
		}
	}
	if s := e.Config["outbox_size"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			opts = append(opts, ws.WithOutboxSize(n))
		}
	}
	return opts
}
