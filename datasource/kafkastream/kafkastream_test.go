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
package kafkastream

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
)

func TestDecodeMessage(t *testing.T) {
	msg := kafka.Message{
		Topic:     "orders",
		Partition: 0,
		Offset:    41,
		Time:      time.Unix(1700000000, 0),
		Value:     []byte(`{"table":"t_order","op":"UPDATE","columns":[{"name":"order_id","value":18446744073709551616,"uniqueKey":true},{"name":"amount","value":12.5,"updated":true},{"name":"status","value":"PAID"}]}`),
	}
	rec, err := DecodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551616", rec.Key)
	assert.Equal(t, position.NewLogOffsetPosition(42), rec.Position)
	assert.Equal(t, msg.Time, rec.CommitTime)
	amount, ok := rec.Column("amount")
	require.True(t, ok)
	assert.Equal(t, 12.5, amount.Value)

	cases := []struct {
		name  string
		value string
	}{
		{"malformed", `{"table":`},
		{"unknown op", `{"table":"t_order","op":"TRUNCATE","key":"1"}`},
		{"no key", `{"table":"t_order","op":"INSERT","columns":[{"name":"status","value":"NEW"}]}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := DecodeMessage(kafka.Message{Topic: "orders", Value: []byte(c.value)})
			assert.True(t, errorutil.IsDataConflict(err))
		})
	}
}

func TestEncodeRecordDecodes(t *testing.T) {
	rec := &record.DataRecord{
		Table: "t_order",
		Op:    constant.RecordOperationDelete,
		Key:   "9",
		Columns: []record.Column{
			{Name: "order_id", Value: int64(9), UniqueKey: true},
		},
	}
	msg, err := EncodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "t_order:9", string(msg.Key))

	msg.Offset = 0
	got, err := DecodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Columns[0].Value)
	assert.Equal(t, position.NewLogOffsetPosition(1), got.Position)
}

func TestOpenChangeStreamer(t *testing.T) {
	ctx := context.Background()
	shard := job.Shard{
		Name: "ds_0",
		Stream: &job.Stream{
			Type:    constant.ChangeStreamTypeKafka,
			Brokers: "127.0.0.1:9092, 127.0.0.1:9093",
			Topic:   "orders",
		},
	}
	cs, err := datasource.OpenChangeStreamer(ctx, nil, shard)
	require.NoError(t, err)
	s, ok := cs.(*Streamer)
	require.True(t, ok)
	assert.Equal(t, "orders", s.topic)
	assert.Equal(t, []string{"127.0.0.1:9092", "127.0.0.1:9093"}, s.brokers)

	shard.Stream.Topic = ""
	_, err = datasource.OpenChangeStreamer(ctx, nil, shard)
	assert.True(t, errorutil.IsConfig(err))

	shard.Stream.Type = "PULSAR"
	_, err = datasource.OpenChangeStreamer(ctx, nil, shard)
	assert.True(t, errorutil.IsConfig(err))
}
