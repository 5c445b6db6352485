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
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// DecodePayload turns a broker message body into a channel value. JSON
// numbers, booleans, strings and numeric arrays are decoded; anything else
// is returned as a string.
func DecodePayload(data []byte) any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ""
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(data)
	}

	switch t := v.(type) {
	case float64, bool, string:
		return t
	case []any:
		out := make([]float64, 0, len(t))
		for _, item := range t {
			f, ok := item.(float64)
			if !ok {
				return string(data)
			}
			out = append(out, f)
		}
		return out
	default:
		return string(data)
	}
}

// EncodeValue is the inverse of DecodePayload. Strings and byte slices are
// sent as-is so that plain-text devices can be written to.
func EncodeValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidValue)
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return data, nil
}

// ToFloat converts numeric values, booleans and numeric strings.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return math.NaN(), false
	}
}
