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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wentaojin/scaling/datasource"
	"github.com/wentaojin/scaling/logger"
	"github.com/wentaojin/scaling/model/job"
	"github.com/wentaojin/scaling/model/record"
	"github.com/wentaojin/scaling/pipeline/position"
	"github.com/wentaojin/scaling/sharding"
	"github.com/wentaojin/scaling/utils/constant"
	"github.com/wentaojin/scaling/utils/errorutil"
	"github.com/wentaojin/scaling/utils/stringutil"
	"go.uber.org/zap"
)

// lingerTimeout bounds the wait for further messages once a batch has its first one
const lingerTimeout = 50 * time.Millisecond

func init() {
	datasource.RegisterStream(constant.ChangeStreamTypeKafka, func(ctx context.Context, shard job.Shard) (datasource.ChangeStreamer, error) {
		return NewStreamer(shard)
	})
}

// Streamer reads the change events of a shard from one topic partition. Log offsets are the kafka
// offset plus one so that the zero position means nothing was consumed.
type Streamer struct {
	shard     string
	brokers   []string
	topic     string
	partition int
}

var _ datasource.ChangeStreamer = (*Streamer)(nil)

func NewStreamer(shard job.Shard) (*Streamer, error) {
	s := shard.Stream
	if s == nil || strings.TrimSpace(s.Brokers) == "" || s.Topic == "" {
		return nil, errorutil.Config.New("kafka change stream of shard [%s] needs brokers and topic", shard.Name)
	}
	var brokers []string
	for _, b := range strings.Split(s.Brokers, constant.StringSeparatorComma) {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Streamer{
		shard:     shard.Name,
		brokers:   brokers,
		topic:     s.Topic,
		partition: s.Partition,
	}, nil
}

// dialLeader tries the brokers in order, the last error wins
func (s *Streamer) dialLeader(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, addr := range s.brokers {
		conn, err := kafka.DialLeader(ctx, "tcp", addr, s.topic, s.partition)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, errorutil.Transient.Wrap(lastErr, "the kafka connection of brokers [%s] topic [%s] partition [%d] lost",
		stringutil.StringJoin(s.brokers, constant.StringSeparatorComma), s.topic, s.partition)
}

// CurrentLogPosition returns the high watermark, the offset of the last message plus one
func (s *Streamer) CurrentLogPosition(ctx context.Context) (position.Position, error) {
	conn, err := s.dialLeader(ctx)
	if err != nil {
		return position.Position{}, err
	}
	defer conn.Close()
	last, err := conn.ReadLastOffset()
	if err != nil {
		return position.Position{}, errorutil.Transient.Wrap(err, "read topic [%s] partition [%d] last offset", s.topic, s.partition)
	}
	return position.NewLogOffsetPosition(last), nil
}

func (s *Streamer) Subscribe(ctx context.Context, from position.Position) (datasource.ChangeStream, error) {
	offset := kafka.FirstOffset
	if !from.IsZero() {
		off, err := from.Offset()
		if err != nil {
			return nil, err
		}
		if off > 0 {
			offset = off - 1
		}
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		Topic:       s.topic,
		Partition:   s.partition,
		Logger:      kafka.LoggerFunc(logger.GetRootLogger().Sugar().Debugf),
		ErrorLogger: kafka.LoggerFunc(logger.GetRootLogger().Sugar().Errorf),
	})
	if err := r.SetOffset(offset); err != nil {
		_ = r.Close()
		return nil, errorutil.Transient.Wrap(err, "set topic [%s] partition [%d] offset [%d]", s.topic, s.partition, offset)
	}
	logger.Info("kafka change stream subscribed",
		zap.String("shard", s.shard), zap.String("topic", s.topic), zap.Int("partition", s.partition), zap.Int64("offset", offset))
	return &stream{reader: r}, nil
}

type stream struct {
	reader *kafka.Reader
}

func (st *stream) Next(ctx context.Context, max int, wait time.Duration) ([]*record.DataRecord, error) {
	var results []*record.DataRecord
	timeout := wait
	for max <= 0 || len(results) < max {
		if timeout <= 0 {
			break
		}
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		msg, err := st.reader.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errorutil.Canceled.Wrap(ctx.Err(), "read kafka change stream")
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, errorutil.Transient.Wrap(err, "read kafka change stream")
		}
		rec, err := DecodeMessage(msg)
		if err != nil {
			return nil, err
		}
		timeout = lingerTimeout
		results = append(results, rec)
	}
	return results, nil
}

func (st *stream) Close() error {
	return st.reader.Close()
}

// DecodeMessage decodes a JSON change event, the record key is derived from the unique key when absent
func DecodeMessage(msg kafka.Message) (*record.DataRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.UseNumber()
	var rec record.DataRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, errorutil.DataConflict.Wrap(err, "the topic [%s] partition [%d] offset [%d] message decoder failed", msg.Topic, msg.Partition, msg.Offset)
	}
	switch rec.Op {
	case constant.RecordOperationInsert, constant.RecordOperationUpdate, constant.RecordOperationDelete:
	default:
		return nil, errorutil.DataConflict.New("the topic [%s] partition [%d] offset [%d] message operation [%s] is not supported", msg.Topic, msg.Partition, msg.Offset, rec.Op)
	}
	for i, c := range rec.Columns {
		if n, ok := c.Value.(json.Number); ok {
			rec.Columns[i].Value = number(n)
		}
	}
	if rec.Key == "" {
		keys := rec.UniqueKeys()
		if len(keys) == 0 {
			return nil, errorutil.DataConflict.New("the topic [%s] partition [%d] offset [%d] message of table [%s] has no unique key", msg.Topic, msg.Partition, msg.Offset, rec.Table)
		}
		k, err := sharding.ToDecimal(keys[0].Value)
		if err != nil {
			return nil, errorutil.DataConflict.Wrap(err, "the topic [%s] partition [%d] offset [%d] message key", msg.Topic, msg.Partition, msg.Offset)
		}
		rec.Key = k.String()
	}
	rec.Position = position.NewLogOffsetPosition(msg.Offset + 1)
	if rec.CommitTime.IsZero() {
		rec.CommitTime = msg.Time
	}
	return &rec, nil
}

// EncodeRecord renders a change event message keyed by table and key, the producer side of DecodeMessage
func EncodeRecord(rec *record.DataRecord) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal change event failed: [%v]", err)
	}
	return kafka.Message{
		Key:   []byte(stringutil.StringBuilder(rec.Table, constant.StringSeparatorColon, rec.Key)),
		Value: value,
		Time:  rec.CommitTime,
	}, nil
}

// number keeps integers beyond int64 as their literal so keys stay exact
func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		return n.String()
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
