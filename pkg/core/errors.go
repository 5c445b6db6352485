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

package core

import "errors"

var (
	ErrMalformedAddress        = errors.New("malformed channel address")
	ErrUnknownProtocol         = errors.New("unknown protocol")
	ErrWriteNotPermitted       = errors.New("write not permitted")
	ErrWriteTimeoutOrCancelled = errors.New("write timed out or was cancelled")
	ErrExpressionEvaluation    = errors.New("expression evaluation failed")
	ErrDoubleUnsubscribe       = errors.New("subscription already unsubscribed")
	ErrSubscriptionNotFound    = errors.New("subscription not found")
	ErrExtraRelease            = errors.New("connection handle already released")
	ErrConnectionClosed        = errors.New("connection closed")
	ErrInvalidValue            = errors.New("invalid value")
	ErrNotConnected            = errors.New("source not connected")
)
