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
package errorutil

import (
	"errors"

	"github.com/joomcode/errorx"
)

var (
	Namespace = errorx.NewNamespace("scaling")

	// Transient represents source/target unreachable or coordination timeouts, retried with backoff
	Transient = Namespace.NewType("transient", errorx.Temporary())
	// Timeout represents a channel send/receive deadline, retryable
	Timeout = Namespace.NewType("timeout", errorx.Temporary(), errorx.Timeout())
	// DataConflict represents an apply failure that needs operator intervention
	DataConflict = Namespace.NewType("data_conflict")
	// NotOwner represents a lost or already held job lock
	NotOwner = Namespace.NewType("not_owner")
	// Config represents a malformed topology or option, failed fast
	Config = Namespace.NewType("config")
	// NotInitialized represents reading process state before it was set
	NotInitialized = Namespace.NewType("not_initialized")
	// Canceled represents a cooperative cancellation observed at a batch boundary
	Canceled = Namespace.NewType("canceled")
)

func IsTransient(err error) bool {
	return hasTrait(err, errorx.Temporary())
}

func IsTimeout(err error) bool {
	return hasTrait(err, errorx.Timeout())
}

func IsDataConflict(err error) bool {
	return isOfType(err, DataConflict)
}

func IsNotOwner(err error) bool {
	return isOfType(err, NotOwner)
}

func IsConfig(err error) bool {
	return isOfType(err, Config)
}

func IsNotInitialized(err error) bool {
	return isOfType(err, NotInitialized)
}

func IsCanceled(err error) bool {
	return isOfType(err, Canceled)
}

// Severity orders error classes, the job status reflects the most severe unresolved one
func Severity(err error) int {
	switch {
	case err == nil:
		return 0
	case IsTransient(err):
		return 1
	case IsCanceled(err):
		return 2
	case IsNotOwner(err):
		return 3
	case IsConfig(err):
		return 4
	default:
		return 5
	}
}

// isOfType walks both errorx causes and fmt %w wrapping
func isOfType(err error, t *errorx.Type) bool {
	for err != nil {
		if errorx.IsOfType(err, t) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func hasTrait(err error, trait errorx.Trait) bool {
	for err != nil {
		if errorx.HasTrait(err, trait) {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
