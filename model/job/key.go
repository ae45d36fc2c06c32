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
package job

import (
	"strings"

	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/stringutil"
)

func ConfigKey(jobID string) string {
	return stringutil.StringBuilder(constant.DefaultJobConfigPrefixKey, jobID)
}

func LockKey(jobID string) string {
	return stringutil.StringBuilder(constant.DefaultJobLockPrefixKey, jobID)
}

func CheckpointKey(jobID string) string {
	return stringutil.StringBuilder(constant.DefaultJobCheckpointPrefixKey, jobID)
}

func SignalKey(jobID string) string {
	return stringutil.StringBuilder(constant.DefaultJobSignalPrefixKey, jobID)
}

// IDFromKey returns the job id suffix of a job key under prefix
func IDFromKey(prefix, key string) string {
	return strings.TrimPrefix(key, prefix)
}
