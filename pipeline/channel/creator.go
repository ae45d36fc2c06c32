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
package channel

import "time"

// Creator builds the channel between a dumper and an importer
type Creator interface {
	NewChannel(name string, capacity int) (*Channel, error)
}

// MemoryCreator creates in process channels sharing the same timeouts
type MemoryCreator struct {
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
}

func NewMemoryCreator(sendTimeout, receiveTimeout time.Duration) *MemoryCreator {
	return &MemoryCreator{SendTimeout: sendTimeout, ReceiveTimeout: receiveTimeout}
}

func (m *MemoryCreator) NewChannel(name string, capacity int) (*Channel, error) {
	return NewChannel(name, capacity, WithSendTimeout(m.SendTimeout), WithReceiveTimeout(m.ReceiveTimeout))
}
