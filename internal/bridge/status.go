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

package bridge

import (
	"context"
	"errors"
	"net/http"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// HTTPStatus maps dispatcher and write errors to response codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, core.ErrMalformedAddress), errors.Is(err, core.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnknownProtocol), errors.Is(err, core.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrWriteNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, core.ErrWriteTimeoutOrCancelled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrNotConnected), errors.Is(err, core.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
