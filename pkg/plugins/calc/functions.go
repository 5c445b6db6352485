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
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// functions is the numeric library available to calc expressions.
var functions = map[string]function.Function{
	"abs":    stdlib.AbsoluteFunc,
	"ceil":   stdlib.CeilFunc,
	"floor":  stdlib.FloorFunc,
	"log":    stdlib.LogFunc,
	"max":    stdlib.MaxFunc,
	"min":    stdlib.MinFunc,
	"pow":    stdlib.PowFunc,
	"signum": stdlib.SignumFunc,
	"sqrt":   unaryFunc("sqrt", math.Sqrt),
	"exp":    unaryFunc("exp", math.Exp),
	"ln":     unaryFunc("ln", math.Log),
	"sin":    unaryFunc("sin", math.Sin),
	"cos":    unaryFunc("cos", math.Cos),
	"tan":    unaryFunc("tan", math.Tan),
	"asin":   unaryFunc("asin", math.Asin),
	"acos":   unaryFunc("acos", math.Acos),
	"atan":   unaryFunc("atan", math.Atan),
	"round":  unaryFunc("round", math.Round),
}

func unaryFunc(name string, fn func(float64) float64) function.Function {
	return function.New(&function.Spec{
		Description: fmt.Sprintf("Returns %s of the given number.", name),
		Params: []function.Parameter{
			{Name: "num", Type: cty.Number},
		},
		Type: function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			x, _ := args[0].AsBigFloat().Float64()
			r := fn(x)
			if math.IsNaN(r) {
				return cty.UnknownVal(cty.Number), fmt.Errorf("%s(%g) is not a number", name, x)
			}
			return cty.NumberFloatVal(r), nil
		},
	})
}
