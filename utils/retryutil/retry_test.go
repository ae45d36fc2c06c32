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
package retryutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/utils/errorutil"
)

func TestExponentialBackoffNextDelay(t *testing.T) {
	r := &ExponentialBackoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2, MaxRetries: 4}

	cases := []struct {
		attempt int
		delay   time.Duration
		ok      bool
	}{
		{0, 10 * time.Millisecond, true},
		{1, 20 * time.Millisecond, true},
		{2, 40 * time.Millisecond, true},
		{3, 50 * time.Millisecond, true},
		{4, 0, false},
	}
	for _, c := range cases {
		d, ok := r.NextDelay(c.attempt, nil)
		if d != c.delay || ok != c.ok {
			t.Errorf("attempt %d: got (%v, %v), want (%v, %v)", c.attempt, d, ok, c.delay, c.ok)
		}
	}
}

func TestDoRetriesTransientOnly(t *testing.T) {
	r := &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxRetries: 5}

	calls := 0
	err := Do(context.Background(), r, "transient", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errorutil.Transient.New("unreachable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Do(context.Background(), r, "conflict", func(ctx context.Context) error {
		calls++
		return errorutil.DataConflict.New("duplicate key")
	})
	require.Error(t, err)
	assert.True(t, errorutil.IsDataConflict(err))
	assert.Equal(t, 1, calls)

	calls = 0
	err = Do(context.Background(), r, "give up", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("wrapped: [%w]", errorutil.Transient.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, 6, calls)
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &ExponentialBackoff{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	err := Do(ctx, r, "canceled", func(ctx context.Context) error {
		return errorutil.Transient.New("down")
	})
	assert.True(t, errorutil.IsCanceled(err))
}
