package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// COMMANDS
// =============================================================================

type CommandType string

const (
	CommandApply        CommandType = "apply"
	CommandRevert       CommandType = "revert"
	CommandEdit         CommandType = "edit"
	CommandChangeAmount CommandType = "change_amount"
)

// Command is one ledger instruction read from the commands topic.
type Command struct {
	Type          CommandType     `json:"type"`
	TransactionID string          `json:"transaction_id,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Name          string          `json:"name,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Note          string          `json:"note,omitempty"`
	Attachments   []string        `json:"attachments,omitempty"`
	CreatedAt     time.Time       `json:"created_at,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

// Ledger is the part of *loyalty.Engine commands are dispatched to.
type Ledger interface {
	Apply(ctx context.Context, in loyalty.ApplyInput) (loyalty.Transaction, error)
	Revert(ctx context.Context, id loyalty.TransactionID) error
	Edit(ctx context.Context, id loyalty.TransactionID, meta loyalty.Metadata) error
	ChangeAmount(ctx context.Context, id loyalty.TransactionID, amount decimal.Decimal) (loyalty.Transaction, error)
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer applies commands from a topic to the ledger.
//
// COMMIT POLICY:
//   - applied, or rejected by validation (bad JSON, unknown type, not found,
//     invalid amount, duplicate id): commit and move on. Such a message will
//     never succeed, and a duplicate means it was already applied.
//   - store unavailable or other failure: do not commit; Run returns the
//     error and the group resumes from the last committed offset.
//
// Commands carrying a transaction_id therefore make redelivery safe.
type Consumer struct {
	reader  messageReader
	ledger  Ledger
	logger  zerolog.Logger
	tracer  trace.Tracer
	backoff time.Duration
}

func NewConsumer(r messageReader, ledger Ledger, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		ledger:  ledger,
		logger:  logger.With().Str("component", "kafka-consumer").Logger(),
		tracer:  otel.Tracer("github.com/warp/loyalty-engine/feed/kafkafeed"),
		backoff: time.Second,
	}
}

// Run consumes until ctx is done or a command fails for a reason other than
// validation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("command consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("command consumer stopped")
				return nil
			}
			c.logger.Error().Err(err).Msg("could not read message, retrying")
			select {
			case <-time.After(c.backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if err := c.process(ctx, msg); err != nil {
			return fmt.Errorf("offset %d: %w", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// process returns an error only for failures that must not be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	headers := HeaderCarrier(msg.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, &headers)
	ctx, span := c.tracer.Start(ctx, "kafkafeed.ProcessCommand",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		))
	defer span.End()

	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed command")
		return nil
	}
	span.SetAttributes(attribute.String("command.type", string(cmd.Type)))

	err := c.Dispatch(ctx, cmd)
	switch {
	case err == nil:
		return nil
	case loyalty.IsClientError(err), loyalty.IsNotFound(err), errors.Is(err, errUnknownCommand):
		c.logger.Warn().Err(err).Str("type", string(cmd.Type)).
			Str("transaction_id", cmd.TransactionID).Msg("command rejected")
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}

var errUnknownCommand = errors.New("unknown command type")

// Dispatch applies one command to the ledger.
func (c *Consumer) Dispatch(ctx context.Context, cmd Command) error {
	id := loyalty.TransactionID(cmd.TransactionID)
	switch cmd.Type {
	case CommandApply:
		_, err := c.ledger.Apply(ctx, loyalty.ApplyInput{
			TransactionID: id,
			CustomerID:    loyalty.CustomerID(cmd.CustomerID),
			Name:          cmd.Name,
			Amount:        cmd.Amount,
			Metadata:      loyalty.Metadata{Note: cmd.Note, Attachments: cmd.Attachments},
			CreatedAt:     cmd.CreatedAt,
			CreatedBy:     cmd.CreatedBy,
		})
		return err
	case CommandRevert:
		return c.ledger.Revert(ctx, id)
	case CommandEdit:
		return c.ledger.Edit(ctx, id, loyalty.Metadata{Note: cmd.Note, Attachments: cmd.Attachments})
	case CommandChangeAmount:
		_, err := c.ledger.ChangeAmount(ctx, id, cmd.Amount)
		return err
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd.Type)
	}
}
