package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ivorythread/api/internal/domain"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

const auditLogsCollection = "auditLogs"

// AuditLogRepository appends normalized audit entries. Entries are
// append-only; there is no update or delete path.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[auditLogDocument]
}

// NewAuditLogRepository constructs a Firestore-backed audit log writer.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection, nil, nil)
	return &AuditLogRepository{base: base}, nil
}

// Insert appends the entry, minting a ULID when the caller did not supply one.
func (r *AuditLogRepository) Insert(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	if r == nil || r.base == nil {
		return domain.AuditLogEntry{}, errors.New("audit log repository not initialised")
	}

	id := strings.TrimSpace(entry.ID)
	if id == "" {
		id = "audit_" + ulid.Make().String()
	}
	createdAt := entry.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	doc := auditLogDocument{
		Actor:     strings.TrimSpace(entry.Actor),
		ActorType: strings.TrimSpace(entry.ActorType),
		Action:    strings.TrimSpace(entry.Action),
		TargetRef: strings.TrimSpace(entry.TargetRef),
		Metadata:  entry.Metadata,
		RequestID: strings.TrimSpace(entry.RequestID),
		Severity:  strings.TrimSpace(entry.Severity),
		CreatedAt: createdAt,
	}
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.AuditLogEntry{}, err
	}

	saved := entry
	saved.ID = id
	saved.CreatedAt = createdAt
	return saved, nil
}

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorType string         `firestore:"actorType"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	RequestID string         `firestore:"requestId,omitempty"`
	Severity  string         `firestore:"severity"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)
