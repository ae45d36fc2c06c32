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

	"github.com/wentaojin/scaling/model/record"
)

// BindRow builds the tuple of a parameterized multi-row insert: each value becomes a parameter
// marker, nil values become NULL literals so they are not bound.
func BindRow(values []any, parameters []any) ([]ExpressionSegment, []any) {
	exprs := make([]ExpressionSegment, 0, len(values))
	for i, v := range values {
		if v == nil {
			exprs = append(exprs, &LiteralExpressionSegment{Start: i, Stop: i})
			continue
		}
		exprs = append(exprs, &ParameterMarkerExpressionSegment{Start: i, Stop: i, ParameterMarkerIndex: len(parameters)})
		parameters = append(parameters, v)
	}
	return exprs, parameters
}

// ExtractValues returns the record values in the given column order, every column must be present
func ExtractValues(r *record.DataRecord, columns []string) ([]any, error) {
	values := make([]any, 0, len(columns))
	for _, name := range columns {
		c, ok := r.Column(name)
		if !ok {
			return nil, fmt.Errorf("record of table [%s] key [%s] misses column [%s]", r.Table, r.Key, name)
		}
		values = append(values, c.Value)
	}
	return values, nil
}
