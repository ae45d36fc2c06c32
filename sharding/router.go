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
package sharding

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

const (
	AlgorithmMod   = "mod"
	AlgorithmRange = "range"
)

// Rule describes how a target table is split, Boundaries are exclusive upper bounds for range sharding
type Rule struct {
	Table      string   `toml:"table" json:"table"`
	Column     string   `toml:"column" json:"column"`
	Algorithm  string   `toml:"algorithm" json:"algorithm"`
	Shards     []string `toml:"shards" json:"shards"`
	Boundaries []string `toml:"boundaries" json:"boundaries"`
}

// Router is a pure function from sharding key to target shard
type Router interface {
	Route(key any) (string, error)
	Column() string
}

func NewRouter(r Rule) (Router, error) {
	if len(r.Shards) == 0 {
		return nil, errorutil.Config.New("sharding rule of table [%s] has no shards", r.Table)
	}
	if dup := stringutil.StringItemsDuplicate(r.Shards); len(dup) > 0 {
		return nil, errorutil.Config.New("sharding rule of table [%s] has duplicate shards [%s]", r.Table, strings.Join(dup, ","))
	}
	switch strings.ToLower(r.Algorithm) {
	case AlgorithmMod, "":
		return &modRouter{column: r.Column, shards: r.Shards}, nil
	case AlgorithmRange:
		if len(r.Boundaries) != len(r.Shards)-1 {
			return nil, errorutil.Config.New("range sharding of table [%s] needs [%d] boundaries for [%d] shards, got [%d]",
				r.Table, len(r.Shards)-1, len(r.Shards), len(r.Boundaries))
		}
		bounds := make([]decimal.Decimal, 0, len(r.Boundaries))
		for i, b := range r.Boundaries {
			d, err := decimal.NewFromString(b)
			if err != nil {
				return nil, errorutil.Config.New("range sharding of table [%s] boundary [%s] is not numeric", r.Table, b)
			}
			if i > 0 && !d.GreaterThan(bounds[i-1]) {
				return nil, errorutil.Config.New("range sharding of table [%s] boundaries must be increasing", r.Table)
			}
			bounds = append(bounds, d)
		}
		return &rangeRouter{column: r.Column, shards: r.Shards, bounds: bounds}, nil
	default:
		return nil, errorutil.Config.New("sharding algorithm [%s] of table [%s] is not supported", r.Algorithm, r.Table)
	}
}

type modRouter struct {
	column string
	shards []string
}

func (m *modRouter) Column() string {
	return m.column
}

func (m *modRouter) Route(key any) (string, error) {
	d, err := ToDecimal(key)
	if err != nil {
		return "", err
	}
	idx := d.Abs().Mod(decimal.NewFromInt(int64(len(m.shards)))).IntPart()
	return m.shards[idx], nil
}

type rangeRouter struct {
	column string
	shards []string
	bounds []decimal.Decimal
}

func (r *rangeRouter) Column() string {
	return r.column
}

func (r *rangeRouter) Route(key any) (string, error) {
	d, err := ToDecimal(key)
	if err != nil {
		return "", err
	}
	for i, b := range r.bounds {
		if d.LessThan(b) {
			return r.shards[i], nil
		}
	}
	return r.shards[len(r.shards)-1], nil
}

// ToDecimal converts a sharding key value into a decimal
func ToDecimal(key any) (decimal.Decimal, error) {
	switch v := key.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint32:
		return decimal.NewFromInt(int64(v)), nil
	case uint64:
		return decimal.NewFromString(fmt.Sprintf("%d", v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case []byte:
		return parseDecimal(string(v))
	case string:
		return parseDecimal(v)
	case nil:
		return decimal.Zero, errorutil.DataConflict.New("sharding key is null")
	default:
		return parseDecimal(fmt.Sprintf("%v", v))
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, errorutil.DataConflict.New("sharding key [%s] is not numeric", s)
	}
	return d, nil
}
