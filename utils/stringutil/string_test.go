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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitialClusterName(t *testing.T) {
	peer := "127.0.0.1:2380"
	assert.Equal(t, "master_127-0-0-1_2380", LocalMemberName("master", "127.0.0.1", "10.0.0.2:2380,"+peer))
	assert.Empty(t, LocalMemberName("master", "10.0.0.9", peer))
	assert.Equal(t, "master_127-0-0-1_2380=http://127.0.0.1:2380", InitialCluster(peer, "master", false))
	assert.Equal(t, "master_127-0-0-1_2380=https://127.0.0.1:2380", InitialCluster("http://"+peer, "master", true))
	assert.Equal(t, map[string]struct{}{"127.0.0.1": {}, "10.0.0.2": {}},
		ClusterHosts("m1=http://127.0.0.1:2380,m2=http://127.0.0.1:2381,m3=http://10.0.0.2:2380"))
}

func TestStringItemsFilterDifference(t *testing.T) {
	assert.ElementsMatch(t, []string{"c"}, StringItemsFilterDifference([]string{"a", "b", "c"}, []string{"a", "b"}))
}

func TestLoopbackHostPort(t *testing.T) {
	assert.Equal(t, "127.0.0.1:2379", LoopbackHostPort(":2379"))
	assert.Equal(t, "10.0.0.1:2379", LoopbackHostPort("10.0.0.1:2379"))
	assert.Equal(t, []string{"https://10.0.0.1:2379", "https://10.0.0.2:2379"}, WrapSchemes("http://10.0.0.1:2379, 10.0.0.2:2379", true))
}
