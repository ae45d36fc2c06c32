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

// ExpressionSegment is a bound expression of a statement, positioned by its start and stop index
type ExpressionSegment interface {
	StartIndex() int
	StopIndex() int
}

type LiteralExpressionSegment struct {
	Start    int
	Stop     int
	Literals any
}

type ParameterMarkerExpressionSegment struct {
	Start                int
	Stop                 int
	ParameterMarkerIndex int
}

type ColumnSegment struct {
	Start      int
	Stop       int
	Identifier string
}

type ExpressionProjectionSegment struct {
	Start int
	Stop  int
	Text  string
}

type BinaryOperationExpression struct {
	Start    int
	Stop     int
	Left     ExpressionSegment
	Right    ExpressionSegment
	Operator string
	Text     string
}

func (s *LiteralExpressionSegment) StartIndex() int         { return s.Start }
func (s *LiteralExpressionSegment) StopIndex() int          { return s.Stop }
func (s *ParameterMarkerExpressionSegment) StartIndex() int { return s.Start }
func (s *ParameterMarkerExpressionSegment) StopIndex() int  { return s.Stop }
func (s *ColumnSegment) StartIndex() int                    { return s.Start }
func (s *ColumnSegment) StopIndex() int                     { return s.Stop }
func (s *ExpressionProjectionSegment) StartIndex() int      { return s.Start }
func (s *ExpressionProjectionSegment) StopIndex() int       { return s.Stop }
func (s *BinaryOperationExpression) StartIndex() int        { return s.Start }
func (s *BinaryOperationExpression) StopIndex() int         { return s.Stop }
