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

package logging

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// UpdateLogger traces every update a connection fans out. Output is at
// Debug so it costs nothing unless the level is lowered.
type UpdateLogger struct {
	logger *slog.Logger
}

func NewUpdateLogger(logger *slog.Logger) *UpdateLogger {
	return &UpdateLogger{logger: logger}
}

func (u *UpdateLogger) Log(protocol, key string, kind core.UpdateKind, listeners int) {
	if u == nil || u.logger == nil {
		return
	}
	u.logger.Debug("update",
		"protocol", protocol,
		"connection_key", key,
		"kind", string(kind),
		"listeners", listeners,
	)
}

// ParseLevel maps a configured log level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
