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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("fake")
	m.ConnectionClosed("fake")
	m.SubscriptionAdded()
	m.SubscriptionRemoved()
	m.UpdateFannedOut("fake", "value")
	m.WriteFinished("fake", "ok")
	m.QueueDepth(3)
	m.TaskProcessed()
	m.ListenerPanic()
	m.EvaluationError("calc")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ConnectionOpened("fake")
	m.ConnectionOpened("fake")
	m.ConnectionClosed("fake")
	m.UpdateFannedOut("calc", "value")
	m.EvaluationError("calc")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("fake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues("calc", "value")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationErrors.WithLabelValues("calc")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SubscriptionAdded()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "channel_engine_subscriptions 1"))
}
