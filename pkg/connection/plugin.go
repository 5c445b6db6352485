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

package connection

import (
	"context"
	"fmt"
	"strings"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// Plugin serves one address scheme from a core.Source.
type Plugin struct {
	protocol string
	source   core.Source
	opts     []Option
}

func NewPlugin(protocol string, src core.Source, opts ...Option) *Plugin {
	return &Plugin{protocol: protocol, source: src, opts: opts}
}

func (p *Plugin) Protocol() string    { return p.protocol }
func (p *Plugin) Source() core.Source { return p.source }

// ConnectionKey normalises payload with the source's Keyer if it has one,
// otherwise the trimmed payload is the key.
func (p *Plugin) ConnectionKey(payload string) (string, error) {
	if k, ok := p.source.(core.Keyer); ok {
		return k.ConnectionKey(payload)
	}
	key := strings.TrimSpace(payload)
	if key == "" {
		return "", fmt.Errorf("%w: empty payload for %s", core.ErrMalformedAddress, p.protocol)
	}
	return key, nil
}

func (p *Plugin) NewConnection(ctx context.Context, key, payload string, poster core.Poster) (core.Connection, error) {
	return Open(ctx, p.source, p.protocol, key, payload, poster, p.opts...)
}

func (p *Plugin) Start(ctx context.Context) error {
	if s, ok := p.source.(core.Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	if s, ok := p.source.(core.Stopper); ok {
		return s.Stop(ctx)
	}
	return nil
}
