/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package binder

import (
	"fmt"
)

// InsertValueContext binds one VALUES tuple of an insert to its parameters
type InsertValueContext struct {
	parameterCount   int
	valueExpressions []ExpressionSegment
	parameters       []any
}

func NewInsertValueContext(assignments []ExpressionSegment, parameters []any, parametersOffset int) (*InsertValueContext, error) {
	count := CountParameterMarkers(assignments)
	params, err := ExtractParameters(parameters, parametersOffset, count)
	if err != nil {
		return nil, err
	}
	return &InsertValueContext{
		parameterCount:   count,
		valueExpressions: ValueExpressions(assignments),
		parameters:       params,
	}, nil
}

// CountParameterMarkers counts parameter markers, including the direct operands of a binary operation
func CountParameterMarkers(assignments []ExpressionSegment) int {
	var result int
	for _, each := range assignments {
		switch e := each.(type) {
		case *ParameterMarkerExpressionSegment:
			result++
		case *BinaryOperationExpression:
			if _, ok := e.Left.(*ParameterMarkerExpressionSegment); ok {
				result++
			}
			if _, ok := e.Right.(*ParameterMarkerExpressionSegment); ok {
				result++
			}
		}
	}
	return result
}

// ValueExpressions returns a copy of the assignments in order
func ValueExpressions(assignments []ExpressionSegment) []ExpressionSegment {
	result := make([]ExpressionSegment, 0, len(assignments))
	return append(result, assignments...)
}

// ExtractParameters returns the parameters window owned by a tuple
func ExtractParameters(parameters []any, parametersOffset, parameterCount int) ([]any, error) {
	if parameterCount == 0 {
		return []any{}, nil
	}
	if parametersOffset < 0 || parametersOffset+parameterCount > len(parameters) {
		return nil, fmt.Errorf("parameters window [%d, %d) out of range, parameters length [%d]",
			parametersOffset, parametersOffset+parameterCount, len(parameters))
	}
	result := make([]any, 0, parameterCount)
	return append(result, parameters[parametersOffset:parametersOffset+parameterCount]...), nil
}

func (c *InsertValueContext) ParameterCount() int {
	return c.parameterCount
}

func (c *InsertValueContext) ValueExpressions() []ExpressionSegment {
	return c.valueExpressions
}

func (c *InsertValueContext) Parameters() []any {
	return c.parameters
}

// LiteralValue returns the value bound at the expression index. A parameter marker resolves to the
// parameter at its ordinal among the markers before it, not its marker index. Nil values are absent.
func (c *InsertValueContext) LiteralValue(index int) (any, bool) {
	if index < 0 || index >= len(c.valueExpressions) {
		return nil, false
	}
	switch e := c.valueExpressions[index].(type) {
	case *ParameterMarkerExpressionSegment:
		idx := c.parameterIndex(e)
		if idx >= len(c.parameters) || c.parameters[idx] == nil {
			return nil, false
		}
		return c.parameters[idx], true
	case *LiteralExpressionSegment:
		if e.Literals == nil {
			return nil, false
		}
		return e.Literals, true
	default:
		return nil, false
	}
}

func (c *InsertValueContext) parameterIndex(marker ExpressionSegment) int {
	var result int
	for _, each := range c.valueExpressions {
		if each == marker {
			break
		}
		if _, ok := each.(*ParameterMarkerExpressionSegment); ok {
			result++
		}
	}
	return result
}
