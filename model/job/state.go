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
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
)

var transitions = map[string][]string{
	constant.JobStatePreparing: {constant.JobStateRunning, constant.JobStateFailed},
	constant.JobStateRunning:   {constant.JobStatePaused, constant.JobStateFailed, constant.JobStateFinished},
	constant.JobStatePaused:    {constant.JobStateRunning, constant.JobStateStopped},
	// a failed job keeps its checkpoint, it can be resumed after inspection or abandoned
	constant.JobStateFailed: {constant.JobStateRunning, constant.JobStateStopped},
}

// CanTransit reports whether the state machine allows from -> to
func CanTransit(from, to string) bool {
	return stringutil.IsContainedString(transitions[from], to)
}

// IsTerminal reports states no transition leaves
func IsTerminal(state string) bool {
	return state == constant.JobStateFinished || state == constant.JobStateStopped
}

// Transit moves the job to state
func (j *Job) Transit(to string) error {
	if !CanTransit(j.State, to) {
		return errorutil.Config.New("job [%s] can not transit from [%s] to [%s]", j.ID, j.State, to)
	}
	j.State = to
	return nil
}
