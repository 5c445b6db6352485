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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherAppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0644)

	var applied []*Config
	w := NewWatcher(path, func(c *Config) { applied = append(applied, c) }, nil)

	if w.check() {
		t.Fatal("unchanged file must not reload")
	}

	os.WriteFile(path, []byte("log_level: debug\nwrite_timeout: 750ms\n"), 0644)
	future := time.Now().Add(time.Minute)
	os.Chtimes(path, future, future)
	if !w.check() {
		t.Fatal("expected reload")
	}
	if len(applied) != 1 || applied[0].LogLevel != "debug" || applied[0].WriteTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected applied configs %+v", applied)
	}

	os.WriteFile(path, []byte("log_level: shouting\n"), 0644)
	later := future.Add(time.Minute)
	os.Chtimes(path, later, later)
	if w.check() {
		t.Fatal("invalid config must not be applied")
	}
	if len(applied) != 1 {
		t.Fatalf("expected 1 applied config, got %d", len(applied))
	}
}
