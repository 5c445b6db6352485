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

import (
	"strings"
	"time"
)

// Severity is the alarm level of a channel, ordered from best to worst.
type Severity int

const (
	SeverityNoAlarm Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityInvalid
	SeverityDisconnected
)

var severityNames = [...]string{"NO_ALARM", "MINOR", "MAJOR", "INVALID", "DISCONNECTED"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// ParseSeverity accepts the names returned by String, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	for i, name := range severityNames {
		if strings.EqualFold(name, s) {
			return Severity(i), true
		}
	}
	return SeverityInvalid, false
}

// Worst returns the more severe of a and b.
func Worst(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

// State is the lifecycle state of a Connection.
//
//	Unsubscribed -> Connecting -> Connected <-> Disconnected -> Closed
type State int

const (
	StateUnsubscribed State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metadata carries the descriptive properties of a channel that change rarely.
type Metadata struct {
	Units       string   `json:"units,omitempty"`
	Precision   int      `json:"precision,omitempty"`
	EnumStrings []string `json:"enum_strings,omitempty"`
	UpperLimit  *float64 `json:"upper_limit,omitempty"`
	LowerLimit  *float64 `json:"lower_limit,omitempty"`
}

type UpdateKind string

const (
	UpdateValue       UpdateKind = "value"
	UpdateConnection  UpdateKind = "connection"
	UpdateSeverity    UpdateKind = "severity"
	UpdateWriteAccess UpdateKind = "write_access"
	UpdateMetadata    UpdateKind = "metadata"
	UpdateError       UpdateKind = "error"
	UpdateWriteResult UpdateKind = "write_result"
)

// Update is the serialisable form of one listener callback, used by the
// remote display bridges.
type Update struct {
	Kind           UpdateKind `json:"type"`
	SubscriptionID string     `json:"id,omitempty"`
	Address        string     `json:"address,omitempty"`
	Value          any        `json:"value,omitempty"`
	Connected      *bool      `json:"connected,omitempty"`
	Severity       string     `json:"severity,omitempty"`
	WriteAccess    *bool      `json:"write_access,omitempty"`
	Metadata       *Metadata  `json:"metadata,omitempty"`
	Error          string     `json:"error,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}
