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
package constant

// JobMode represents how the job ends
const (
	JobModeOneShot    = "one-shot"
	JobModeContinuous = "continuous"
)

// JobState represents the job state machine
const (
	JobStatePreparing = "PREPARING"
	JobStateRunning   = "RUNNING"
	JobStatePaused    = "PAUSED"
	JobStateFailed    = "FAILED"
	JobStateFinished  = "FINISHED"
	JobStateStopped   = "STOPPED"
)

// TaskKind represents the task data source
const (
	TaskKindInventory   = "INVENTORY"
	TaskKindIncremental = "INCREMENTAL"
)

const (
	TaskStatusPending  = "PENDING"
	TaskStatusRunning  = "RUNNING"
	TaskStatusFinished = "FINISHED"
	TaskStatusFailed   = "FAILED"
)

// CursorType represents the position ordering
const (
	CursorTypeInteger   = "INTEGER"
	CursorTypeDecimal   = "DECIMAL"
	CursorTypeLogOffset = "LOG_OFFSET"
)

// JobSignal represents the operator control action
const (
	JobSignalPause  = "PAUSE"
	JobSignalResume = "RESUME"
	JobSignalStop   = "STOP"
)

// RecordOperation represents the row change kind
const (
	RecordOperationInsert = "INSERT"
	RecordOperationUpdate = "UPDATE"
	RecordOperationDelete = "DELETE"
)

// EventBus topics
const (
	EventTopicJobState  = "job:state"
	EventTopicTaskState = "task:state"
)
