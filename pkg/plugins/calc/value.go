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
	"fmt"
	"math"

	"github.com/zclconf/go-cty/cty"

	"github.com/wso2/api-platform/gateway/gateway-runtime/channel-engine/pkg/core"
)

// toCty converts a channel value into the cty value an expression sees.
func toCty(v any) (cty.Value, error) {
	switch x := v.(type) {
	case float64:
		return numberVal(x)
	case float32:
		return numberVal(float64(x))
	case int:
		return cty.NumberIntVal(int64(x)), nil
	case int64:
		return cty.NumberIntVal(x), nil
	case int32:
		return cty.NumberIntVal(int64(x)), nil
	case uint64:
		return cty.NumberUIntVal(x), nil
	case bool:
		return cty.BoolVal(x), nil
	case string:
		return cty.StringVal(x), nil
	case []float64:
		if len(x) == 0 {
			return cty.ListValEmpty(cty.Number), nil
		}
		elems := make([]cty.Value, len(x))
		for i, f := range x {
			n, err := numberVal(f)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = n
		}
		return cty.ListVal(elems), nil
	case nil:
		return cty.NilVal, fmt.Errorf("%w: input has no value", core.ErrExpressionEvaluation)
	}
	return cty.NilVal, fmt.Errorf("%w: unsupported input type %T", core.ErrExpressionEvaluation, v)
}

func numberVal(f float64) (cty.Value, error) {
	if math.IsNaN(f) {
		return cty.NilVal, fmt.Errorf("%w: input is NaN", core.ErrExpressionEvaluation)
	}
	return cty.NumberFloatVal(f), nil
}

// fromCty converts an expression result back into a channel value.
// Non-finite numbers are evaluation errors.
func fromCty(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsWhollyKnown() {
		return nil, fmt.Errorf("%w: result is null", core.ErrExpressionEvaluation)
	}
	ty := v.Type()
	switch {
	case ty.Equals(cty.Number):
		f, _ := v.AsBigFloat().Float64()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: result is not finite", core.ErrExpressionEvaluation)
		}
		return f, nil
	case ty.Equals(cty.Bool):
		return v.True(), nil
	case ty.Equals(cty.String):
		return v.AsString(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]float64, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			f, err := fromCty(elem)
			if err != nil {
				return nil, err
			}
			n, ok := f.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: array result holds %T", core.ErrExpressionEvaluation, f)
			}
			out = append(out, n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported result type %s", core.ErrExpressionEvaluation, ty.FriendlyName())
}
