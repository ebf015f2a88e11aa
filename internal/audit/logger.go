package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/groupledger/internal/storage"
	"github.com/org/groupledger/pkg/models"
)

// Logger writes audit entries. Only metadata is recorded, never key material or expense plaintext.
type Logger struct {
	store storage.AuditStore
	log   zerolog.Logger
}

func NewLogger(store storage.AuditStore, log zerolog.Logger) *Logger {
	return &Logger{store: store, log: log}
}

// LogRequest records an API request. Write failures are logged and do not fail the request.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.Timestamp = time.Now().UTC()
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		l.log.Warn().Err(err).Str("operation", entry.Operation).Msg("audit write failed")
	}
}

// LogEvent records a key lifecycle event such as a rotation or an unseal.
func (l *Logger) LogEvent(ctx context.Context, requestID, actorID, operation string, meta map[string]any) {
	l.LogRequest(ctx, &models.AuditEntry{
		RequestID: requestID,
		ActorID:   actorID,
		Operation: operation,
		Status:    "success",
		Metadata:  meta,
	})
}

// Query retrieves paginated audit log entries, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
