package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/ivorythread/api/internal/domain"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

const webhookEventsCollection = "webhookEvents"

// WebhookEventRepository durably records verified gateway callbacks before
// the webhook endpoint acknowledges them. Documents are keyed by the gateway
// event id, which makes redelivered events insert-once.
type WebhookEventRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[webhookEventDocument]
}

// NewWebhookEventRepository constructs a Firestore-backed webhook event store.
func NewWebhookEventRepository(provider *pfirestore.Provider) (*WebhookEventRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook event repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[webhookEventDocument](provider, webhookEventsCollection, nil, nil)
	return &WebhookEventRepository{provider: provider, base: base}, nil
}

// InsertIfAbsent stores the event unless one with the same id already exists.
// The second return value reports whether this call created the record.
func (r *WebhookEventRepository) InsertIfAbsent(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, bool, error) {
	if r == nil || r.base == nil {
		return domain.WebhookEvent{}, false, errors.New("webhook event repository not initialised")
	}
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return domain.WebhookEvent{}, false, errors.New("webhook event: id is required")
	}

	ref, err := r.base.DocumentRef(ctx, eventID)
	if err != nil {
		return domain.WebhookEvent{}, false, err
	}

	doc := newWebhookEventDocument(event)
	if _, err := ref.Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			existing, getErr := r.FindByID(ctx, eventID)
			if getErr != nil {
				return domain.WebhookEvent{}, false, getErr
			}
			return existing, false, nil
		}
		return domain.WebhookEvent{}, false, pfirestore.WrapError("webhookEvents.insert", err)
	}
	return doc.toDomain(eventID), true, nil
}

// FindByID loads a stored webhook event.
func (r *WebhookEventRepository) FindByID(ctx context.Context, eventID string) (domain.WebhookEvent, error) {
	if r == nil || r.base == nil {
		return domain.WebhookEvent{}, errors.New("webhook event repository not initialised")
	}
	id := strings.TrimSpace(eventID)
	if id == "" {
		return domain.WebhookEvent{}, errors.New("webhook event: id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpdateProcessing transitions the event's processing state and bumps the
// attempt counter.
func (r *WebhookEventRepository) UpdateProcessing(ctx context.Context, eventID string, update repositories.WebhookEventUpdate) (domain.WebhookEvent, error) {
	if r == nil || r.provider == nil {
		return domain.WebhookEvent{}, errors.New("webhook event repository not initialised")
	}
	id := strings.TrimSpace(eventID)
	if id == "" {
		return domain.WebhookEvent{}, errors.New("webhook event: id is required")
	}

	now := update.Now.UTC()
	var updated domain.WebhookEvent

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc webhookEventDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode webhook event %s: %w", id, err)
		}

		doc.Status = string(update.Status)
		doc.Attempts++
		doc.LastError = update.LastError
		if update.ProcessedAt != nil {
			processedAt := update.ProcessedAt.UTC()
			doc.ProcessedAt = &processedAt
		}
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.WebhookEvent{}, pfirestore.WrapError("webhookEvents.update", err)
	}
	return updated, nil
}

// ListUnprocessed returns received or failed events older than the cutoff for
// the internal retry sweep.
func (r *WebhookEventRepository) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookEvent, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("webhook event repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("webhookEvents.listUnprocessed", err)
	}

	query := client.Collection(webhookEventsCollection).Query.
		Where("status", "in", []string{string(domain.WebhookEventReceived), string(domain.WebhookEventFailed)}).
		Where("receivedAt", "<", olderThan.UTC()).
		OrderBy("receivedAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var events []domain.WebhookEvent
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("webhookEvents.listUnprocessed", err)
		}
		var doc webhookEventDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode webhook event %s: %w", snap.Ref.ID, err)
		}
		events = append(events, doc.toDomain(snap.Ref.ID))
	}
	return events, nil
}

type webhookEventDocument struct {
	Provider      string         `firestore:"provider"`
	GatewayEvent  string         `firestore:"gatewayEvent"`
	Type          string         `firestore:"type"`
	OrderRef      string         `firestore:"orderRef,omitempty"`
	TransactionID string         `firestore:"transactionId,omitempty"`
	Amount        int64          `firestore:"amount"`
	Currency      string         `firestore:"currency,omitempty"`
	Payload       map[string]any `firestore:"payload,omitempty"`
	Status        string         `firestore:"status"`
	Attempts      int            `firestore:"attempts"`
	LastError     *string        `firestore:"lastError,omitempty"`
	ReceivedAt    time.Time      `firestore:"receivedAt"`
	ProcessedAt   *time.Time     `firestore:"processedAt,omitempty"`
	UpdatedAt     time.Time      `firestore:"updatedAt"`
}

func newWebhookEventDocument(event domain.WebhookEvent) webhookEventDocument {
	receivedAt := event.ReceivedAt.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	status := string(event.Status)
	if status == "" {
		status = string(domain.WebhookEventReceived)
	}
	return webhookEventDocument{
		Provider:      strings.TrimSpace(event.Provider),
		GatewayEvent:  strings.TrimSpace(event.GatewayEvent),
		Type:          strings.TrimSpace(event.Type),
		OrderRef:      strings.TrimSpace(event.OrderID),
		TransactionID: strings.TrimSpace(event.TransactionID),
		Amount:        event.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(event.Currency)),
		Payload:       event.Payload,
		Status:        status,
		Attempts:      event.Attempts,
		LastError:     event.LastError,
		ReceivedAt:    receivedAt,
		ProcessedAt:   event.ProcessedAt,
		UpdatedAt:     receivedAt,
	}
}

func (d webhookEventDocument) toDomain(id string) domain.WebhookEvent {
	return domain.WebhookEvent{
		ID:            id,
		Provider:      d.Provider,
		GatewayEvent:  d.GatewayEvent,
		Type:          d.Type,
		OrderID:       d.OrderRef,
		TransactionID: d.TransactionID,
		Amount:        d.Amount,
		Currency:      d.Currency,
		Payload:       d.Payload,
		Status:        domain.WebhookEventStatus(d.Status),
		Attempts:      d.Attempts,
		LastError:     d.LastError,
		ReceivedAt:    d.ReceivedAt,
		ProcessedAt:   d.ProcessedAt,
	}
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)
