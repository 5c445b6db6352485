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

// Package local serves loc:// channels: typed in-memory variables that
// displays can write to and share.
//
//	loc://setpoint?type=float&init=1.5&precision=2&unit=mm
//
// The connection key is the variable name. Parameters only seed a variable
// that does not exist yet; the variable keeps its value for the life of the
// source.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

const (
	TypeFloat  = "float"
	TypeInt    = "int"
	TypeString = "str"
	TypeBool   = "bool"
	TypeArray  = "array"
)

type variable struct {
	name  string
	typ   string
	value any
	meta  core.Metadata
	sinks map[*handle]core.SourceSink
}

type handle struct {
	v *variable
}

type Source struct {
	logger *slog.Logger

	mu   sync.Mutex
	vars map[string]*variable
}

func NewSource(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		logger: logger,
		vars:   make(map[string]*variable),
	}
}

func (s *Source) ConnectionKey(payload string) (string, error) {
	name, params, err := core.SplitPayload(payload)
	if err != nil {
		return "", err
	}
	if _, err := newVariable(name, params); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Source) Connect(_ context.Context, payload string) (core.SourceHandle, error) {
	name, params, err := core.SplitPayload(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vars[name]; ok {
		return &handle{v: v}, nil
	}
	v, err := newVariable(name, params)
	if err != nil {
		return nil, err
	}
	s.vars[name] = v
	s.logger.Debug("local variable created", "name", name, "type", v.typ)
	return &handle{v: v}, nil
}

func (s *Source) Subscribe(h core.SourceHandle, sink core.SourceSink) error {
	lh := h.(*handle)
	v := lh.v
	s.mu.Lock()
	v.sinks[lh] = sink
	value, meta := v.value, v.meta
	s.mu.Unlock()

	sink.OnConnectionState(true)
	sink.OnWriteAccess(true)
	sink.OnMetadata(meta)
	sink.OnSeverity(core.SeverityNoAlarm)
	sink.OnValue(value)
	return nil
}

// Write stores v, converted to the variable's type, and echoes it back as
// the new value to every subscribed handle of the variable.
func (s *Source) Write(_ context.Context, h core.SourceHandle, v any, onComplete func(error)) error {
	vr := h.(*handle).v
	s.mu.Lock()
	converted, err := convert(vr.typ, v)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("loc://%s: %w", vr.name, err)
	}
	vr.value = converted
	sinks := make([]core.SourceSink, 0, len(vr.sinks))
	for _, sink := range vr.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.OnValue(converted)
	}
	if onComplete != nil {
		onComplete(nil)
	}
	return nil
}

func (s *Source) Disconnect(_ context.Context, h core.SourceHandle) error {
	lh := h.(*handle)
	s.mu.Lock()
	delete(lh.v.sinks, lh)
	s.mu.Unlock()
	return nil
}

// Value returns the current value of a variable.
func (s *Source) Value(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	if !ok {
		return nil, false
	}
	return v.value, true
}

func newVariable(name string, params map[string][]string) (*variable, error) {
	get := func(k string) string {
		if vs := params[k]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	typ := strings.ToLower(get("type"))
	if typ == "" {
		typ = TypeFloat
	}
	meta, err := core.MetadataFromParams(params)
	if err != nil {
		return nil, err
	}

	var value any
	if init, ok := params["init"]; ok && len(init) > 0 {
		value, err = parseInit(typ, init[0])
	} else {
		value, err = zero(typ)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loc://%s: %v", core.ErrMalformedAddress, name, err)
	}
	return &variable{
		name:  name,
		typ:   typ,
		value: value,
		meta:  meta,
		sinks: make(map[*handle]core.SourceSink),
	}, nil
}

func zero(typ string) (any, error) {
	switch typ {
	case TypeFloat:
		return 0.0, nil
	case TypeInt:
		return int64(0), nil
	case TypeString:
		return "", nil
	case TypeBool:
		return false, nil
	case TypeArray:
		return []float64{}, nil
	}
	return nil, fmt.Errorf("unknown type %q", typ)
}

func parseInit(typ, s string) (any, error) {
	if typ == TypeArray {
		out := []float64{}
		s = strings.Trim(strings.TrimSpace(s), "[]")
		if s == "" {
			return out, nil
		}
		for _, item := range strings.Split(s, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(item), 64)
			if err != nil {
				return nil, fmt.Errorf("array element %q: %w", item, err)
			}
			out = append(out, f)
		}
		return out, nil
	}
	if _, err := zero(typ); err != nil {
		return nil, err
	}
	return convert(typ, s)
}

// convert coerces a written value to typ. Values that do not fit fail with
// ErrInvalidValue.
func convert(typ string, v any) (any, error) {
	switch typ {
	case TypeFloat:
		if f, ok := core.ToFloat(v); ok {
			return f, nil
		}
	case TypeInt:
		if f, ok := core.ToFloat(v); ok && f == float64(int64(f)) {
			return int64(f), nil
		}
	case TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'g', -1, 64), nil
		case bool:
			return strconv.FormatBool(t), nil
		}
	case TypeBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			if b, err := strconv.ParseBool(t); err == nil {
				return b, nil
			}
		case float64:
			return t != 0, nil
		}
	case TypeArray:
		switch t := v.(type) {
		case []float64:
			return append([]float64(nil), t...), nil
		case []any:
			out := make([]float64, 0, len(t))
			for _, item := range t {
				f, ok := core.ToFloat(item)
				if !ok {
					return nil, fmt.Errorf("%w: array element %v", core.ErrInvalidValue, item)
				}
				out = append(out, f)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %v (%T) is not a %s", core.ErrInvalidValue, v, v, typ)
}
