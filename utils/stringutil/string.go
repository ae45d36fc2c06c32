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
package stringutil

import (
	"strings"
	"time"
	"unsafe"

	"github.com/scylladb/go-set/strset"
	"github.com/thinkeridea/go-extend/exstrings"
)

// StringBuilder used for string builder, and returns string
func StringBuilder(str ...string) string {
	var b strings.Builder
	for _, p := range str {
		b.WriteString(p)
	}
	return b.String() // no copying
}

// StringJoin used for string join, and returns array string
func StringJoin(strs []string, sep string) string {
	return exstrings.Join(strs, sep)
}

// StringItemsFilterDifference used for filter difference items, and returns new array string
func StringItemsFilterDifference(originItems, excludeItems []string) []string {
	return strset.Difference(strset.New(originItems...), strset.New(excludeItems...)).List()
}

// StringItemsDuplicate returns the items appearing more than once
func StringItemsDuplicate(items []string) []string {
	seen := strset.NewWithSize(len(items))
	dup := strset.New()
	for _, t := range items {
		if seen.Has(t) {
			dup.Add(t)
			continue
		}
		seen.Add(t)
	}
	return dup.List()
}

// IsContainedString used for judge items whether is contained the item, and if it's contained, return true
func IsContainedString(items []string, item string) bool {
	for _, eachItem := range items {
		if eachItem == item {
			return true
		}
	}
	return false
}

// BytesToString used for bytes to string, reduce memory
// https://segmentfault.com/a/1190000037679588
func BytesToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// CurrentTimeFormatString used for format time string
func CurrentTimeFormatString() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
