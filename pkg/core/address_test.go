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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input    string
		protocol string
		payload  string
	}{
		{"ca://XF:31IDA-OP{Tbl-Ax:X1}Mtr", "ca", "XF:31IDA-OP{Tbl-Ax:X1}Mtr"},
		{"fake://ramp?mode=ramp", "fake", "ramp?mode=ramp"},
		{"CALC://sum?A=ca://PV1&B=ca://PV2&expr=A+B", "calc", "sum?A=ca://PV1&B=ca://PV2&expr=A+B"},
		{"  loc://setpoint  ", "loc", "setpoint"},
		{"mqtt5://plant/line-1/temp", "mqtt5", "plant/line-1/temp"},
	}
	for _, tt := range tests {
		addr, err := ParseAddress(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.protocol, addr.Protocol, tt.input)
		assert.Equal(t, tt.payload, addr.Payload, tt.input)
	}
}

func TestParseAddressMalformed(t *testing.T) {
	for _, input := range []string{
		"",
		"PV:NAME",
		"://payload",
		"ca://",
		"c a://x",
		"ca:/x",
	} {
		_, err := ParseAddress(input)
		assert.ErrorIs(t, err, ErrMalformedAddress, "input %q", input)
	}
}

func TestParseAddressKeepsRaw(t *testing.T) {
	addr, err := ParseAddress("ca://PV1")
	require.NoError(t, err)
	assert.Equal(t, "ca://PV1", addr.String())
}
