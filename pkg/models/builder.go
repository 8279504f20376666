package models

import "time"

type MessageEnvelopeBuilder struct {
	envelope *MessageEnvelope
}

func NewMessageEnvelopeBuilder() *MessageEnvelopeBuilder {
	return &MessageEnvelopeBuilder{
		envelope: &MessageEnvelope{},
	}
}

func (b *MessageEnvelopeBuilder) WithID(id string) *MessageEnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *MessageEnvelopeBuilder) WithSender(name, email string) *MessageEnvelopeBuilder {
	b.envelope.Name = name
	b.envelope.Email = email
	return b
}

func (b *MessageEnvelopeBuilder) WithContent(content string) *MessageEnvelopeBuilder {
	b.envelope.Content = content
	return b
}

func (b *MessageEnvelopeBuilder) WithTimestamp(timestamp time.Time) *MessageEnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

func (b *MessageEnvelopeBuilder) WithMetadata(key string, value interface{}) *MessageEnvelopeBuilder {
	if b.envelope.Metadata == nil {
		b.envelope.Metadata = make(map[string]interface{})
	}
	b.envelope.Metadata[key] = value
	return b
}

// Build fills a missing timestamp with the current UTC time.
func (b *MessageEnvelopeBuilder) Build() *MessageEnvelope {
	if b.envelope.Timestamp.IsZero() {
		b.envelope.Timestamp = time.Now().UTC()
	}
	return b.envelope
}
