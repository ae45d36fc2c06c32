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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassify(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		transient    bool
		timeout      bool
		notOwner     bool
		dataConflict bool
		config       bool
	}{
		{name: "transient", err: Transient.New("target unreachable"), transient: true},
		{name: "timeout", err: Timeout.New("send timeout"), transient: true, timeout: true},
		{name: "wrapped transient", err: fmt.Errorf("apply batch failed: [%w]", Transient.New("io")), transient: true},
		{name: "not owner", err: NotOwner.New("job [J1] already owned"), notOwner: true},
		{name: "data conflict", err: DataConflict.Wrap(fmt.Errorf("duplicate"), "apply failed"), dataConflict: true},
		{name: "config", err: fmt.Errorf("prepare: [%w]", Config.New("empty shards")), config: true},
		{name: "plain", err: fmt.Errorf("plain")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.transient, IsTransient(c.err))
			assert.Equal(t, c.timeout, IsTimeout(c.err))
			assert.Equal(t, c.notOwner, IsNotOwner(c.err))
			assert.Equal(t, c.dataConflict, IsDataConflict(c.err))
			assert.Equal(t, c.config, IsConfig(c.err))
		})
	}
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, 0, Severity(nil))
	assert.Less(t, Severity(Transient.New("x")), Severity(NotOwner.New("x")))
	assert.Less(t, Severity(Config.New("x")), Severity(DataConflict.New("x")))
	assert.Equal(t, 5, Severity(fmt.Errorf("unknown")))
}
