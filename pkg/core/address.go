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
	"strings"
)

const schemeSeparator = "://"

// Address is a parsed channel address of the form <protocol>://<payload>.
type Address struct {
	Raw      string
	Protocol string
	Payload  string
}

func (a Address) String() string { return a.Raw }

// ParseAddress splits a channel address into its protocol and payload. The
// protocol is case-insensitive and returned lower-cased; the payload is
// opaque and returned as written.
func ParseAddress(address string) (Address, error) {
	raw := strings.TrimSpace(address)
	idx := strings.Index(raw, schemeSeparator)
	if idx < 0 {
		return Address{}, fmt.Errorf("%w: missing %q in %q", ErrMalformedAddress, schemeSeparator, address)
	}

	protocol := strings.ToLower(raw[:idx])
	payload := raw[idx+len(schemeSeparator):]

	if protocol == "" {
		return Address{}, fmt.Errorf("%w: empty protocol in %q", ErrMalformedAddress, address)
	}
	for _, r := range protocol {
		if !isSchemeRune(r) {
			return Address{}, fmt.Errorf("%w: invalid protocol %q", ErrMalformedAddress, protocol)
		}
	}
	if payload == "" {
		return Address{}, fmt.Errorf("%w: empty payload in %q", ErrMalformedAddress, address)
	}

	return Address{Raw: raw, Protocol: protocol, Payload: payload}, nil
}

func isSchemeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '-' || r == '.' || r == '_'
}
