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
package position

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

// Position is a serializable cursor. Inventory cursors are numeric primary key boundaries,
// incremental cursors are log offsets, either a plain number or "<file>:<pos>".
type Position struct {
	CursorType  string `json:"cursorType"`
	CursorValue string `json:"cursorValue"`
}

func NewIntegerPosition(v int64) Position {
	return Position{CursorType: constant.CursorTypeInteger, CursorValue: strconv.FormatInt(v, 10)}
}

func NewDecimalPosition(d decimal.Decimal) Position {
	return Position{CursorType: constant.CursorTypeDecimal, CursorValue: d.String()}
}

func NewLogOffsetPosition(offset int64) Position {
	return Position{CursorType: constant.CursorTypeLogOffset, CursorValue: strconv.FormatInt(offset, 10)}
}

// NewLogFilePosition returns a binlog style offset
func NewLogFilePosition(file string, pos int64) Position {
	value := stringutil.StringBuilder(file, constant.StringSeparatorColon, strconv.FormatInt(pos, 10))
	return Position{CursorType: constant.CursorTypeLogOffset, CursorValue: value}
}

// IsZero reports the cursor was never advanced
func (p Position) IsZero() bool {
	return p.CursorValue == ""
}

func (p Position) String() string {
	if p.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s(%s)", p.CursorType, p.CursorValue)
}

// Decimal returns the numeric cursor value
func (p Position) Decimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(p.CursorValue)
	if err != nil {
		return decimal.Zero, errorutil.Config.New("position [%s] is not numeric: [%v]", p.String(), err)
	}
	return d, nil
}

// Offset returns the plain numeric log offset
func (p Position) Offset() (int64, error) {
	if p.CursorType != constant.CursorTypeLogOffset {
		return 0, errorutil.Config.New("position [%s] is not a log offset", p.String())
	}
	v, err := strconv.ParseInt(p.CursorValue, 10, 64)
	if err != nil {
		return 0, errorutil.Config.New("position [%s] is not a plain log offset: [%v]", p.String(), err)
	}
	return v, nil
}

// Compare orders two positions of the same cursor type, a zero position is older than anything
func (p Position) Compare(o Position) (int, error) {
	switch {
	case p.IsZero() && o.IsZero():
		return 0, nil
	case p.IsZero():
		return -1, nil
	case o.IsZero():
		return 1, nil
	}
	if p.CursorType != o.CursorType {
		return 0, errorutil.Config.New("position cursor type mismatch, [%s] vs [%s]", p.CursorType, o.CursorType)
	}

	switch p.CursorType {
	case constant.CursorTypeInteger, constant.CursorTypeDecimal:
		return compareNumeric(p.CursorValue, o.CursorValue)
	case constant.CursorTypeLogOffset:
		return compareLogOffset(p.CursorValue, o.CursorValue)
	default:
		return 0, errorutil.Config.New("position cursor type [%s] is not supported", p.CursorType)
	}
}

// Lag returns how far p is behind o for numeric cursors
func (p Position) Lag(o Position) (decimal.Decimal, error) {
	if p.IsZero() || o.IsZero() {
		return decimal.Zero, nil
	}
	pf, pv := splitLogOffset(p.CursorValue)
	of, ov := splitLogOffset(o.CursorValue)
	if pf != of {
		return decimal.Zero, errorutil.Config.New("position [%s] and [%s] are in different log files", p.String(), o.String())
	}
	a, err := decimal.NewFromString(pv)
	if err != nil {
		return decimal.Zero, errorutil.Config.New("position [%s] is not numeric: [%v]", p.String(), err)
	}
	b, err := decimal.NewFromString(ov)
	if err != nil {
		return decimal.Zero, errorutil.Config.New("position [%s] is not numeric: [%v]", o.String(), err)
	}
	lag := b.Sub(a)
	if lag.IsNegative() {
		return decimal.Zero, nil
	}
	return lag, nil
}

func compareNumeric(a, b string) (int, error) {
	da, err := decimal.NewFromString(a)
	if err != nil {
		return 0, errorutil.Config.New("cursor value [%s] is not numeric: [%v]", a, err)
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		return 0, errorutil.Config.New("cursor value [%s] is not numeric: [%v]", b, err)
	}
	return da.Cmp(db), nil
}

func compareLogOffset(a, b string) (int, error) {
	af, av := splitLogOffset(a)
	bf, bv := splitLogOffset(b)
	if c := strings.Compare(af, bf); c != 0 {
		return c, nil
	}
	return compareNumeric(av, bv)
}

func splitLogOffset(v string) (string, string) {
	idx := strings.LastIndex(v, constant.StringSeparatorColon)
	if idx < 0 {
		return "", v
	}
	return v[:idx], v[idx+1:]
}
