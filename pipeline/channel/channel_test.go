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

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/errorutil"
)

func dataBatch(from, to int64) *record.Batch {
	var rs []record.Record
	for i := from; i <= to; i++ {
		rs = append(rs, &record.DataRecord{
			Table:    "t_order",
			Op:       "INSERT",
			Key:      fmt.Sprintf("%d", i),
			Position: position.NewIntegerPosition(i),
		})
	}
	return record.NewBatch(rs...)
}

func TestChannelBackpressure(t *testing.T) {
	ch, err := NewChannel("backpressure", 2)
	require.NoError(t, err)
	defer ch.Close()
	ctx := context.Background()

	b1, b2, b3 := dataBatch(1, 10), dataBatch(11, 20), dataBatch(21, 30)
	require.NoError(t, ch.Send(ctx, b1))
	require.NoError(t, ch.Send(ctx, b2))

	sent := make(chan error, 1)
	go func() {
		sent <- ch.Send(ctx, b3)
	}()

	select {
	case err := <-sent:
		t.Fatalf("third send returned before any ack: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	got, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, b1.ID, got.ID)

	// receiving alone does not free capacity
	select {
	case err := <-sent:
		t.Fatalf("third send returned before ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ch.Ack(b1.ID))
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("third send still blocked after ack of first batch")
	}
	assert.Equal(t, 2, ch.Outstanding())
}

func TestChannelOrderAndFinished(t *testing.T) {
	ch, err := NewChannel("order", 4)
	require.NoError(t, err)
	ctx := context.Background()

	batches := []*record.Batch{dataBatch(1, 2), dataBatch(3, 4), dataBatch(5, 6)}
	for _, b := range batches {
		require.NoError(t, ch.Send(ctx, b))
	}
	require.NoError(t, ch.Finish(ctx, position.NewIntegerPosition(6)))

	// no batch may follow the finished record
	assert.Error(t, ch.Send(ctx, dataBatch(7, 8)))
	assert.Error(t, ch.Finish(ctx, position.NewIntegerPosition(8)))

	for _, want := range batches {
		got, err := ch.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.False(t, got.IsFinished())
		require.NoError(t, ch.Ack(got.ID))
	}

	last, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsFinished())
	assert.Equal(t, position.NewIntegerPosition(6), last.LastPosition())

	// the sentinel is not acknowledged as data
	assert.Error(t, ch.Ack(last.ID))

	_, err = ch.Receive(ctx)
	assert.Error(t, err)
}

func TestChannelTimeoutIsRetryable(t *testing.T) {
	ch, err := NewChannel("timeout", 1, WithSendTimeout(20*time.Millisecond), WithReceiveTimeout(20*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ch.Receive(ctx)
	require.Error(t, err)
	assert.True(t, errorutil.IsTimeout(err))
	assert.True(t, errorutil.IsTransient(err))

	require.NoError(t, ch.Send(ctx, dataBatch(1, 1)))
	err = ch.Send(ctx, dataBatch(2, 2))
	require.Error(t, err)
	assert.True(t, errorutil.IsTransient(err))
}

func TestChannelFailSurfacesToBothEnds(t *testing.T) {
	ch, err := NewChannel("fail", 1)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ch.Send(ctx, dataBatch(1, 1)))

	blocked := make(chan error, 1)
	go func() {
		blocked <- ch.Send(ctx, dataBatch(2, 2))
	}()

	cause := errorutil.DataConflict.New("duplicate entry")
	ch.Fail(cause)

	select {
	case err := <-blocked:
		assert.True(t, errorutil.IsDataConflict(err))
	case <-time.After(time.Second):
		t.Fatal("producer not released by failure")
	}

	_, err = ch.Receive(ctx)
	assert.True(t, errorutil.IsDataConflict(err))
	assert.True(t, errorutil.IsDataConflict(ch.Err()))
}

func TestChannelWaitAcked(t *testing.T) {
	ch, err := NewChannel("drain", 2)
	require.NoError(t, err)
	ctx := context.Background()

	b := dataBatch(1, 5)
	require.NoError(t, ch.Send(ctx, b))

	go func() {
		got, err := ch.Receive(ctx)
		if err == nil {
			time.Sleep(30 * time.Millisecond)
			_ = ch.Ack(got.ID)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, ch.WaitAcked(waitCtx))
	assert.Equal(t, 0, ch.Outstanding())
}

func TestNewChannelInvalidCapacity(t *testing.T) {
	_, err := NewChannel("invalid", 0)
	assert.True(t, errorutil.IsConfig(err))
}
