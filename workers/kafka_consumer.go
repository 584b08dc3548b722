// workers/kafka_consumer.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"matrix-reward-engine/models"
	"matrix-reward-engine/utils"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TopicMemberActivated = "member.activated"
	TopicMemberLeveledUp = "member.leveled_up"

	// DefaultDeadLetterTopic receives events that could not be applied.
	DefaultDeadLetterTopic = "member.events.dlq"
)

// messageWriter is the part of kafka.Writer the consumer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventConsumer reads membership events from kafka in batches. Offsets are
// committed only once every message of the batch was either applied or
// parked on the dead-letter topic.
type EventConsumer struct {
	reader      *kafka.Reader
	deadLetters messageWriter
	dispatcher  *Dispatcher
	batchSize   int
	batchWait   time.Duration
	retry       utils.RetryConfig
	logger      *zap.Logger
}

func NewEventConsumer(brokers []string, groupID, deadLetterTopic string, dispatcher *Dispatcher, logger *zap.Logger) (*EventConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if deadLetterTopic == "" {
		deadLetterTopic = DefaultDeadLetterTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: []string{TopicMemberActivated, TopicMemberLeveledUp},
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return &EventConsumer{
		reader: reader,
		deadLetters: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        deadLetterTopic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		dispatcher: dispatcher,
		batchSize:  200,
		batchWait:  250 * time.Millisecond,
		retry:      DefaultRedispatchRetry(),
		logger:     logger.Named("kafka"),
	}, nil
}

// DefaultRedispatchRetry bounds how long a batch retries its failed events
// before they are dead-lettered.
func DefaultRedispatchRetry() utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
		JitterEnabled: true,
	}
}

// Run consumes until ctx is done.
func (c *EventConsumer) Run(ctx context.Context) {
	c.logger.Info("event consumer started")
	defer c.logger.Info("event consumer stopped")
	for {
		msgs, err := c.poll(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if err := c.apply(ctx, msgs); err != nil {
			// the reader is past these messages; stop so the group redelivers
			// them from the last commit
			c.logger.Error("batch not settled, stopping consumer", zap.Int("messages", len(msgs)), zap.Error(err))
			return
		}
		if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
			c.logger.Error("offset commit failed", zap.Error(err))
		}
	}
}

// apply decodes and dispatches msgs. Undecodable messages and events that keep
// failing after the redispatch retries go to the dead-letter topic. A nil
// return means every message is settled and the batch may be committed.
func (c *EventConsumer) apply(ctx context.Context, msgs []kafka.Message) error {
	var parked []deadLetter
	batch := make([]Event, 0, len(msgs))
	for i, m := range msgs {
		ev, err := DecodeEvent(m.Topic, m.Value)
		if err != nil {
			c.logger.Error("undecodable event",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			parked = append(parked, deadLetter{msg: m, err: err})
			continue
		}
		ev.Ref = i
		batch = append(batch, ev)
	}

	res, err := c.dispatcher.Dispatch(ctx, batch)
	var failed *DispatchError
	if err != nil && !errors.As(err, &failed) {
		return err
	}
	c.logger.Debug("batch applied",
		zap.Int("messages", len(msgs)),
		zap.Int("activated", res.Activated),
		zap.Int("leveled_up", res.LeveledUp),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("failed", res.Failed))

	if failed != nil {
		remaining, err := c.redispatch(ctx, failed)
		if err != nil {
			return err
		}
		for _, f := range remaining {
			parked = append(parked, deadLetter{msg: msgs[f.Event.Ref], err: f.Err})
		}
	}
	return c.park(ctx, parked)
}

// redispatch retries failed events with backoff and returns those still failing.
func (c *EventConsumer) redispatch(ctx context.Context, failed *DispatchError) ([]FailedEvent, error) {
	remaining := failed.Failed
	if !failed.Retryable() {
		return remaining, nil
	}
	cfg := c.retry
	cfg.Retryable = func(err error) bool {
		var de *DispatchError
		return errors.As(err, &de) && de.Retryable()
	}
	err := utils.WithBackoff(ctx, cfg, c.logger, "redispatch failed events", func(int) error {
		_, err := c.dispatcher.Dispatch(ctx, (&DispatchError{Failed: remaining}).Events())
		var de *DispatchError
		switch {
		case errors.As(err, &de):
			remaining = de.Failed
			return de
		case err != nil:
			return err
		}
		remaining = nil
		return nil
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(remaining) > 0 {
		c.logger.Error("events still failing after retries", zap.Int("events", len(remaining)), zap.Error(err))
	}
	return remaining, nil
}

type deadLetter struct {
	msg kafka.Message
	err error
}

// park writes msgs to the dead-letter topic, retrying until it succeeds or ctx
// is done.
func (c *EventConsumer) park(ctx context.Context, letters []deadLetter) error {
	if len(letters) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(letters))
	for _, l := range letters {
		out = append(out, kafka.Message{
			Key:   l.msg.Key,
			Value: l.msg.Value,
			Headers: []kafka.Header{
				{Key: "source_topic", Value: []byte(l.msg.Topic)},
				{Key: "source_partition", Value: []byte(strconv.Itoa(l.msg.Partition))},
				{Key: "source_offset", Value: []byte(strconv.FormatInt(l.msg.Offset, 10))},
				{Key: "error", Value: []byte(l.err.Error())},
			},
			Time: time.Now().UTC(),
		})
	}
	for {
		err := c.deadLetters.WriteMessages(ctx, out...)
		if err == nil {
			deadLettered.Add(float64(len(out)))
			c.logger.Warn("events dead-lettered", zap.Int("events", len(out)))
			return nil
		}
		c.logger.Error("dead-letter write failed", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// poll fetches up to batchSize messages, returning early once batchWait
// passes without a new message.
func (c *EventConsumer) poll(ctx context.Context) ([]kafka.Message, error) {
	out := make([]kafka.Message, 0, c.batchSize)
	for len(out) < c.batchSize {
		wait := c.batchWait
		if len(out) == 0 {
			wait = 5 * time.Second
		}
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return out, nil
			}
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *EventConsumer) Close() error {
	return errors.Join(c.reader.Close(), c.deadLetters.Close())
}

// DecodeEvent parses a message body according to its topic.
func DecodeEvent(topic string, payload []byte) (Event, error) {
	switch topic {
	case TopicMemberActivated:
		var ev models.MemberActivated
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Event{}, err
		}
		if err := validate.Struct(ev); err != nil {
			return Event{}, err
		}
		return Event{Activated: &ev}, nil
	case TopicMemberLeveledUp:
		var ev models.MemberLeveledUp
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Event{}, err
		}
		if err := validate.Struct(ev); err != nil {
			return Event{}, err
		}
		return Event{LeveledUp: &ev}, nil
	default:
		return Event{}, fmt.Errorf("unknown topic %q", topic)
	}
}
