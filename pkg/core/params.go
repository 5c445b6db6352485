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
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// SplitPayload splits a "name?key=value&..." payload used by the parameterised
// protocols. The name must be non-empty.
func SplitPayload(payload string) (string, url.Values, error) {
	name, query, _ := strings.Cut(strings.TrimSpace(payload), "?")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("%w: missing channel name in %q", ErrMalformedAddress, payload)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	return name, params, nil
}

// CanonicalPayload rebuilds a payload with its parameters in sorted order,
// so that equivalent payloads produce the same connection key.
func CanonicalPayload(name string, params url.Values) string {
	if len(params) == 0 {
		return name
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('?')
	for i, k := range keys {
		for j, v := range params[k] {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// MetadataFromParams reads unit, precision, upper_limit, lower_limit and
// enum_string from payload parameters.
func MetadataFromParams(params url.Values) (Metadata, error) {
	m := Metadata{Units: params.Get("unit")}
	if s := params.Get("precision"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil || p < 0 {
			return Metadata{}, fmt.Errorf("%w: precision %q", ErrMalformedAddress, s)
		}
		m.Precision = p
	}
	for _, lim := range []struct {
		name string
		dst  **float64
	}{
		{"upper_limit", &m.UpperLimit},
		{"lower_limit", &m.LowerLimit},
	} {
		s := params.Get(lim.name)
		if s == "" {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: %s %q", ErrMalformedAddress, lim.name, s)
		}
		*lim.dst = &f
	}
	if s := params.Get("enum_string"); s != "" {
		for _, e := range strings.Split(s, ",") {
			m.EnumStrings = append(m.EnumStrings, strings.TrimSpace(e))
		}
	}
	return m, nil
}
