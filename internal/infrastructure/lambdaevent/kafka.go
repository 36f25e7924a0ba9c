// Package lambdaevent adapts AWS Lambda trigger payloads to the handlers
// the long-running processes use.
package lambdaevent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
)

// Message is one decoded record of an MSK or self-managed Kafka trigger.
type Message struct {
	Topic     string
	Partition int64
	Offset    int64
	Key       []byte
	Value     []byte
}

// DecodeKafkaRecord base64-decodes the key and value of a trigger record.
func DecodeKafkaRecord(record events.KafkaRecord) (Message, error) {
	msg := Message{Topic: record.Topic, Partition: record.Partition, Offset: record.Offset}

	var err error
	if record.Key != "" {
		if msg.Key, err = base64.StdEncoding.DecodeString(record.Key); err != nil {
			return msg, fmt.Errorf("decode key at %s/%d@%d: %w", record.Topic, record.Partition, record.Offset, err)
		}
	}
	if record.Value == "" {
		return msg, fmt.Errorf("empty value at %s/%d@%d", record.Topic, record.Partition, record.Offset)
	}
	if msg.Value, err = base64.StdEncoding.DecodeString(record.Value); err != nil {
		return msg, fmt.Errorf("decode value at %s/%d@%d: %w", record.Topic, record.Partition, record.Offset, err)
	}
	return msg, nil
}

type Handler func(ctx context.Context, key, value []byte) error

// Result summarizes one batch.
type Result struct {
	Processed int
	Failed    int
}

// ProcessKafkaEvent hands every record to handler. Kafka triggers cannot
// report partial failures, so all record errors are returned joined and the
// trigger retries the batch.
func ProcessKafkaEvent(ctx context.Context, evt events.KafkaEvent, handler Handler, logger zerolog.Logger) (Result, error) {
	var res Result
	var errs []error
	for partition, records := range evt.Records {
		for _, record := range records {
			msg, err := DecodeKafkaRecord(record)
			if err == nil {
				err = handler(ctx, msg.Key, msg.Value)
			}
			if err != nil {
				res.Failed++
				errs = append(errs, err)
				logger.Error().Err(err).Str("partition", partition).Int64("offset", record.Offset).Msg("record failed")
				continue
			}
			res.Processed++
		}
	}
	return res, errors.Join(errs...)
}
