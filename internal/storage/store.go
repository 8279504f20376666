package storage

import (
	"context"

	"msgingest/pkg/models"
)

// Store persists enriched messages. Save returns nil only once the write is
// durably acknowledged. Failures are PERSISTENCE_ERROR values; fatal ones
// will fail again on retry.
type Store interface {
	Save(ctx context.Context, msg *models.PersistedMessage) error
}
