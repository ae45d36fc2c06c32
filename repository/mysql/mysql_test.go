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
package mysql

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/repository"
	"github.com/wentaojin/scaling/utils/errorutil"
)

// TestMySQLRepository needs a reachable database, e.g.
// SCALING_TEST_MYSQL_DSN="root:@tcp(127.0.0.1:3306)/scaling?charset=utf8mb4&parseTime=True&loc=Local"
func TestMySQLRepository(t *testing.T) {
	dsn := os.Getenv("SCALING_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SCALING_TEST_MYSQL_DSN is not set")
	}
	ctx := context.Background()
	repo, err := NewRepository(&repository.Config{DSN: dsn, PollInterval: 50, LogLevel: "silent"})
	require.NoError(t, err)
	defer repo.Close()

	prefix := "/scaling-test/" + time.Now().Format("150405.000000") + "/"

	ok, err := repo.CreateIfAbsent(ctx, prefix+"config/j1", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.CreateIfAbsent(ctx, prefix+"config/j1", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := repo.Watch(wctx, prefix+"signal/")
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, prefix+"signal/j1", []byte("PAUSE")))
	select {
	case ev := <-ch:
		assert.Equal(t, repository.EventTypePut, ev.Type)
		assert.Equal(t, []byte("PAUSE"), ev.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("watch timeout")
	}

	l, err := repo.AcquireLock(ctx, prefix+"lock/j1", 3*time.Second)
	require.NoError(t, err)
	_, err = repo.AcquireLock(ctx, prefix+"lock/j1", 3*time.Second)
	assert.True(t, errorutil.IsNotOwner(err))
	require.NoError(t, l.Release(ctx))
	<-l.Done()

	l, err = repo.AcquireLock(ctx, prefix+"lock/j1", 3*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `/scaling/job\_1/%`, likePrefix("/scaling/job_1/"))
	assert.Equal(t, `100\%%`, likePrefix("100%"))
}
