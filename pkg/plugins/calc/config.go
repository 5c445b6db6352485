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

package calc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// inputsVar names the tuple giving positional access to the inputs,
// ordered by input name.
const inputsVar = "inputs"

// Config is a parsed calc address payload:
//
//	name?A=fake://a&B=loc://b&expr=A+B&update=A&vars={"C":"fake://c"}
//
// Values are path-unescaped, so an input address carrying its own query
// must escape '&' as %26.
type Config struct {
	Name   string
	Inputs map[string]string
	Expr   string
	// Update lists the inputs whose value changes trigger a recompute.
	// Empty means every input.
	Update []string
}

// ParseConfig parses and validates a calc payload. The expression is
// parsed too, and may reference only the declared inputs, inputs[i] and
// the calc function library.
func ParseConfig(payload string) (Config, error) {
	name, query, ok := strings.Cut(strings.TrimSpace(payload), "?")
	cfg := Config{Name: strings.TrimSpace(name), Inputs: make(map[string]string)}
	if cfg.Name == "" {
		return Config{}, fmt.Errorf("%w: calc channel needs a name", core.ErrMalformedAddress)
	}
	if !ok {
		return Config{}, fmt.Errorf("%w: calc %s has no configuration", core.ErrMalformedAddress, cfg.Name)
	}

	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		rawKey, rawVal, _ := strings.Cut(part, "=")
		key, err := url.PathUnescape(rawKey)
		if err != nil {
			return Config{}, fmt.Errorf("%w: calc %s: %v", core.ErrMalformedAddress, cfg.Name, err)
		}
		val, err := url.PathUnescape(rawVal)
		if err != nil {
			return Config{}, fmt.Errorf("%w: calc %s: %v", core.ErrMalformedAddress, cfg.Name, err)
		}
		key = strings.TrimSpace(key)

		switch key {
		case "expr":
			cfg.Expr = strings.TrimSpace(val)
		case "update":
			for _, u := range strings.Split(val, ",") {
				if u = strings.TrimSpace(u); u != "" {
					cfg.Update = append(cfg.Update, u)
				}
			}
		case "vars":
			var vars map[string]string
			if err := json.Unmarshal([]byte(val), &vars); err != nil {
				return Config{}, fmt.Errorf("%w: calc %s: vars: %v", core.ErrMalformedAddress, cfg.Name, err)
			}
			for k, v := range vars {
				if err := cfg.addInput(k, v); err != nil {
					return Config{}, err
				}
			}
		default:
			if err := cfg.addInput(key, val); err != nil {
				return Config{}, err
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) addInput(name, address string) error {
	name = strings.TrimSpace(name)
	if !hclsyntax.ValidIdentifier(name) || name == inputsVar {
		return fmt.Errorf("%w: calc %s: invalid input name %q", core.ErrMalformedAddress, c.Name, name)
	}
	if _, dup := c.Inputs[name]; dup {
		return fmt.Errorf("%w: calc %s: input %s declared twice", core.ErrMalformedAddress, c.Name, name)
	}
	addr, err := core.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("calc %s: input %s: %w", c.Name, name, err)
	}
	c.Inputs[name] = addr.Raw
	return nil
}

func (c *Config) validate() error {
	if c.Expr == "" {
		return fmt.Errorf("%w: calc %s has no expr", core.ErrMalformedAddress, c.Name)
	}
	if len(c.Inputs) == 0 {
		return fmt.Errorf("%w: calc %s has no inputs", core.ErrMalformedAddress, c.Name)
	}
	sort.Strings(c.Update)
	for i, u := range c.Update {
		if _, ok := c.Inputs[u]; !ok {
			return fmt.Errorf("%w: calc %s: update names unknown input %s", core.ErrMalformedAddress, c.Name, u)
		}
		if i > 0 && c.Update[i-1] == u {
			return fmt.Errorf("%w: calc %s: update lists %s twice", core.ErrMalformedAddress, c.Name, u)
		}
	}
	_, err := c.compile()
	return err
}

// compile parses the expression and checks that every variable it reads
// is a declared input.
func (c *Config) compile() (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(c.Expr), c.Name, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: calc %s: %s", core.ErrMalformedAddress, c.Name, diags.Error())
	}
	for _, traversal := range expr.Variables() {
		root := traversal.RootName()
		if root == inputsVar {
			continue
		}
		if _, ok := c.Inputs[root]; !ok {
			return nil, fmt.Errorf("%w: calc %s: expr reads undeclared input %s", core.ErrMalformedAddress, c.Name, root)
		}
	}
	diags = hclsyntax.VisitAll(expr, func(n hclsyntax.Node) hcl.Diagnostics {
		call, ok := n.(*hclsyntax.FunctionCallExpr)
		if !ok {
			return nil
		}
		if _, known := functions[call.Name]; known {
			return nil
		}
		return hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Unknown function",
			Detail:   fmt.Sprintf("calc has no function named %q", call.Name),
			Subject:  call.NameRange.Ptr(),
		}}
	})
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: calc %s: %s", core.ErrMalformedAddress, c.Name, diags.Error())
	}
	return expr, nil
}

// Names returns the input names in the order of the inputs tuple.
func (c Config) Names() []string {
	names := make([]string, 0, len(c.Inputs))
	for n := range c.Inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Key is the canonical form of the configuration. Configurations that
// differ only in parameter order share a key.
func (c Config) Key() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('?')
	for _, n := range c.Names() {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(url.PathEscape(c.Inputs[n]))
		b.WriteByte('&')
	}
	b.WriteString("expr=")
	b.WriteString(url.PathEscape(c.Expr))
	if len(c.Update) > 0 {
		b.WriteString("&update=")
		b.WriteString(strings.Join(c.Update, ","))
	}
	return b.String()
}

func (c Config) triggers(name string) bool {
	if len(c.Update) == 0 {
		return true
	}
	i := sort.SearchStrings(c.Update, name)
	return i < len(c.Update) && c.Update[i] == name
}
