package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Enrichment keys written into Metadata during ingestion.
const (
	MetadataSourceKey   = "source"
	MetadataPriorityKey = "priority"
)

// MessageEnvelope is the logical payload published by producers.
type MessageEnvelope struct {
	ID        string                 `json:"id" bson:"id"`
	Name      string                 `json:"name" bson:"name"`
	Email     string                 `json:"email" bson:"email"`
	Content   string                 `json:"content" bson:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
}

// PersistedMessage is an enriched envelope as stored in the document store.
// StorageID is assigned by the store and is unrelated to the logical ID.
type PersistedMessage struct {
	StorageID       primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	MessageEnvelope `bson:",inline"`
}

// NewPersistedMessage copies env and stamps the enrichment metadata on the
// copy. Producer metadata keys are kept unless they collide with an
// enrichment key.
func NewPersistedMessage(env MessageEnvelope, source, priority string) *PersistedMessage {
	metadata := make(map[string]interface{}, len(env.Metadata)+2)
	for k, v := range env.Metadata {
		metadata[k] = v
	}
	metadata[MetadataSourceKey] = source
	metadata[MetadataPriorityKey] = priority

	env.Metadata = metadata
	return &PersistedMessage{MessageEnvelope: env}
}

func (m *PersistedMessage) Source() string {
	s, _ := m.Metadata[MetadataSourceKey].(string)
	return s
}

func (m *PersistedMessage) Priority() string {
	p, _ := m.Metadata[MetadataPriorityKey].(string)
	return p
}
