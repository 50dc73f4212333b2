package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel identifies the origin and destination system of a message.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelEmail    Channel = "email"
	ChannelLog      Channel = "log"
)

// KnownChannels lists every channel tag the pipeline understands.
var KnownChannels = []Channel{ChannelWhatsApp, ChannelTelegram, ChannelDiscord, ChannelEmail, ChannelLog}

func (c Channel) String() string {
	return string(c)
}

// ParseChannel normalizes a raw tag. Unknown tags are returned as-is together
// with an error so callers can still route them to a dead-letter path.
func ParseChannel(raw string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range KnownChannels {
		if ch == known {
			return ch, nil
		}
	}
	return ch, fmt.Errorf("unknown channel %q", raw)
}

// Stream entry field names
const (
	FieldBusinessKey        = "business_key"
	FieldChannel            = "channel"
	FieldSenderAddress      = "sender_address"
	FieldBody               = "body"
	FieldCreatedAt          = "created_at"
	FieldCorrelationID      = "correlation_id"
	FieldMessageID          = "message_id"
	FieldConversationID     = "conversation_id"
	FieldMetadata           = "metadata"
	FieldProducerID         = "producer_id"
	FieldDestinationAddress = "destination_address"
	FieldResultBody         = "result_body"
	FieldStatus             = "status"
	FieldOutID              = "out_id"
	FieldErrorReason        = "error_reason"
	FieldRepliedAt          = "replied_at"
)

// Status of an outbound envelope.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field")
)

// Envelope is a normalized inbound message. It is immutable once published.
type Envelope struct {
	BusinessKey    string    `json:"business_key"`
	Channel        Channel   `json:"channel"`
	SenderAddress  string    `json:"sender_address"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	CorrelationID  string    `json:"correlation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Metadata       string    `json:"metadata,omitempty"`
}

// BusinessKey derives the stable dedupe identity of a message from its source
// channel, sender and the provider's message id, e.g. "whatsapp:+91...:msg123".
func BusinessKey(channel Channel, sender, externalID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, strings.TrimSpace(sender), strings.TrimSpace(externalID))
}

// Fields serializes the envelope into stream entry fields.
func (e Envelope) Fields() map[string]string {
	fields := map[string]string{
		FieldBusinessKey:   e.BusinessKey,
		FieldChannel:       e.Channel.String(),
		FieldSenderAddress: e.SenderAddress,
		FieldBody:          e.Body,
		FieldCreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldCorrelationID: e.correlationID(),
	}
	if e.MessageID != "" {
		fields[FieldMessageID] = e.MessageID
	}
	if e.ConversationID != "" {
		fields[FieldConversationID] = e.ConversationID
	}
	if e.Metadata != "" {
		fields[FieldMetadata] = e.Metadata
	}
	return fields
}

func (e Envelope) correlationID() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.BusinessKey
}

// Validate checks the fields every inbound envelope must carry.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.BusinessKey) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldBusinessKey)
	}
	if e.Channel == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldChannel)
	}
	if strings.TrimSpace(e.SenderAddress) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldSenderAddress)
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldBody)
	}
	return nil
}

// EnvelopeFromFields decodes stream entry fields. correlation_id defaults to
// business_key when absent.
func EnvelopeFromFields(fields map[string]string) (Envelope, error) {
	env := Envelope{
		BusinessKey:    fields[FieldBusinessKey],
		Channel:        Channel(strings.ToLower(strings.TrimSpace(fields[FieldChannel]))),
		SenderAddress:  fields[FieldSenderAddress],
		Body:           fields[FieldBody],
		CorrelationID:  fields[FieldCorrelationID],
		MessageID:      fields[FieldMessageID],
		ConversationID: fields[FieldConversationID],
		Metadata:       fields[FieldMetadata],
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.BusinessKey
	}
	if raw := fields[FieldCreatedAt]; raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %s: %v", ErrInvalidField, FieldCreatedAt, err)
		}
		env.CreatedAt = ts
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// OutboundEnvelope is the reply produced for an inbound envelope.
type OutboundEnvelope struct {
	Envelope
	OutID              string    `json:"out_id"`
	DestinationAddress string    `json:"destination_address"`
	ResultBody         string    `json:"result_body"`
	Status             Status    `json:"status"`
	ErrorReason        string    `json:"error_reason,omitempty"`
	RepliedAt          time.Time `json:"replied_at"`
}

// Fields serializes the outbound envelope into stream entry fields.
func (o OutboundEnvelope) Fields() map[string]string {
	fields := o.Envelope.Fields()
	fields[FieldOutID] = o.OutID
	fields[FieldDestinationAddress] = o.DestinationAddress
	fields[FieldResultBody] = o.ResultBody
	fields[FieldStatus] = string(o.Status)
	fields[FieldRepliedAt] = o.RepliedAt.UTC().Format(time.RFC3339Nano)
	if o.ErrorReason != "" {
		fields[FieldErrorReason] = o.ErrorReason
	}
	return fields
}

// Validate checks what the dispatcher needs to attempt a delivery.
func (o OutboundEnvelope) Validate() error {
	if strings.TrimSpace(o.BusinessKey) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldBusinessKey)
	}
	if o.Channel == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldChannel)
	}
	if strings.TrimSpace(o.DestinationAddress) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldDestinationAddress)
	}
	if strings.TrimSpace(o.ResultBody) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, FieldResultBody)
	}
	switch o.Status {
	case StatusOK, StatusError:
	default:
		return fmt.Errorf("%w: %s=%q", ErrInvalidField, FieldStatus, o.Status)
	}
	return nil
}

// OutboundFromFields decodes an outbound stream entry. The inbound part is
// decoded leniently because an outbound reply never carries the inbound body
// requirement.
func OutboundFromFields(fields map[string]string) (OutboundEnvelope, error) {
	out := OutboundEnvelope{
		Envelope: Envelope{
			BusinessKey:    fields[FieldBusinessKey],
			Channel:        Channel(strings.ToLower(strings.TrimSpace(fields[FieldChannel]))),
			SenderAddress:  fields[FieldSenderAddress],
			Body:           fields[FieldBody],
			CorrelationID:  fields[FieldCorrelationID],
			MessageID:      fields[FieldMessageID],
			ConversationID: fields[FieldConversationID],
			Metadata:       fields[FieldMetadata],
		},
		OutID:              fields[FieldOutID],
		DestinationAddress: fields[FieldDestinationAddress],
		ResultBody:         fields[FieldResultBody],
		Status:             Status(fields[FieldStatus]),
		ErrorReason:        fields[FieldErrorReason],
	}
	if out.CorrelationID == "" {
		out.CorrelationID = out.BusinessKey
	}
	if raw := fields[FieldCreatedAt]; raw != "" {
		if ts, err := parseTimestamp(raw); err == nil {
			out.CreatedAt = ts
		}
	}
	if raw := fields[FieldRepliedAt]; raw != "" {
		if ts, err := parseTimestamp(raw); err == nil {
			out.RepliedAt = ts
		}
	}
	if err := out.Validate(); err != nil {
		return OutboundEnvelope{}, err
	}
	return out, nil
}

// MarshalOutbound and UnmarshalOutbound are used to keep a replayable copy of
// an outbound envelope in the idempotency record.
func MarshalOutbound(o OutboundEnvelope) (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("marshal outbound envelope: %w", err)
	}
	return string(b), nil
}

func UnmarshalOutbound(raw string) (OutboundEnvelope, error) {
	var o OutboundEnvelope
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return OutboundEnvelope{}, fmt.Errorf("unmarshal outbound envelope: %w", err)
	}
	return o, nil
}

// NormalizeMetadata returns metadata that is always valid JSON. Non-JSON
// input is wrapped as {"raw": ...}.
func NormalizeMetadata(raw string) string {
	if raw == "" {
		return ""
	}
	if json.Valid([]byte(raw)) {
		return raw
	}
	b, _ := json.Marshal(map[string]string{"raw": raw})
	return string(b)
}

func parseTimestamp(raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return ts.UTC(), nil
	}
	// naive ISO timestamps are treated as UTC
	ts, err = time.Parse("2006-01-02T15:04:05.999999999", raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
