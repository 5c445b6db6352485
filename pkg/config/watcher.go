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
	"context"
	"log/slog"
	"os"
	"time"
)

// Watcher polls the config file and hands every successfully parsed new
// version to apply. Only settings that can change at runtime should be
// read from it; protocols and entrypoints are fixed at startup.
type Watcher struct {
	path     string
	apply    func(*Config)
	interval time.Duration
	logger   *slog.Logger
	lastMod  time.Time
}

func NewWatcher(path string, apply func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &Watcher{
		path:     path,
		apply:    apply,
		interval: 5 * time.Second,
		logger:   logger,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file if its modification time moved forward.
func (w *Watcher) check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return false
	}
	if !info.ModTime().After(w.lastMod) {
		return false
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return false
	}
	w.apply(cfg)
	w.logger.Info("config reloaded", "log_level", cfg.LogLevel, "write_timeout", cfg.WriteTimeout)
	return true
}
