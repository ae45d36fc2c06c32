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

// Database Type
const (
	DatabaseTypeMySQL      = "MYSQL"
	DatabaseTypePostgresql = "POSTGRES"
	DatabaseTypeSQLite     = "SQLITE"
	DatabaseTypeMemory     = "MEMORY"
)

// Change stream Type
const (
	ChangeStreamTypeChangelog = "CHANGELOG"
	ChangeStreamTypeKafka     = "KAFKA"
)

// Coordination repository Type
const (
	RepositoryTypeEtcd   = "etcd"
	RepositoryTypeMySQL  = "mysql"
	RepositoryTypeMemory = "memory"
)

// Execute engine mode
const (
	EngineModeFixed   = "fixed"
	EngineModeElastic = "elastic"
)

const (
	StringSeparatorComma        = ","
	StringSeparatorBacktick     = "`"
	StringSeparatorDoubleQuotes = "\""
	StringSeparatorColon        = ":"
)

const (
	// DefaultTaskQueueChannelSize used for execute engine submit queue size
	DefaultTaskQueueChannelSize = 1024
	// DefaultChannelCapacity used for the outstanding batch count of a channel
	DefaultChannelCapacity = 8
	// DefaultBatchSize used for the record count of an inventory or incremental batch
	DefaultBatchSize = 1000
	// DefaultEngineWorkerSize used for the fixed execute engine size
	DefaultEngineWorkerSize = 16
	// DefaultCheckpointCronSpec used for the checkpoint persistence schedule
	DefaultCheckpointCronSpec = "@every 1s"
	// DefaultCheckpointCompressThreshold used for compressing large checkpoints (bytes)
	DefaultCheckpointCompressThreshold = 64 * 1024
)
