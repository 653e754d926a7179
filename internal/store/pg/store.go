package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicebridge/internal/domain"
	"voicebridge/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// InsertWebhookEvent is idempotent on the event id.
func (s *Store) InsertWebhookEvent(ctx context.Context, in store.WebhookEvent) error {
	payload := in.Payload
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(in.Payload))
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (id, tenant_slug, agent_id, conversation_id, event_type, status, payload_json, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.TenantSlug, in.AgentID, nullIfEmpty(in.ConversationID), nullIfEmpty(in.EventType), in.Status, payload, in.ReceivedAt)
	return err
}

func (s *Store) MarkWebhookEvent(ctx context.Context, id, status string) error {
	_, err := s.DB.Exec(ctx, `UPDATE webhook_events SET status=$2 WHERE id=$1`, id, status)
	return err
}

// InsertBatch stores a dispatch summary and its failures in one transaction.
func (s *Store) InsertBatch(ctx context.Context, in store.Batch, res domain.BatchResult) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, tenant_slug, agent_id, call_name, total, sent, failed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, res.BatchID, in.TenantSlug, in.AgentID, res.CallName, res.Total, res.Sent, res.Failed, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	if len(res.Failures) > 0 {
		rows := make([][]any, len(res.Failures))
		for i, f := range res.Failures {
			rows[i] = []any{res.BatchID, i, f.PhoneNumber, f.StatusCode, f.Error}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"batch_failures"},
			[]string{"batch_id", "position", "phone_number", "status_code", "error"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("insert batch failures: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertBooking(ctx context.Context, in store.Booking) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO bookings (id, tenant_slug, conversation_id, status, reason, name, phone, email, appt_date, appt_time, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, in.ID, in.TenantSlug, nullIfEmpty(in.ConversationID), in.Status, nullIfEmpty(in.Reason),
		nullIfEmpty(in.Name), nullIfEmpty(in.Phone), nullIfEmpty(in.Email), nullIfEmpty(in.Date), nullIfEmpty(in.Time), in.CreatedAt)
	return err
}

func (s *Store) InsertNotification(ctx context.Context, in store.Notification) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO notifications (id, tenant_slug, channel, recipient, provider, provider_id, state, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, in.ID, in.TenantSlug, in.Channel, in.Recipient, nullIfEmpty(in.Provider), nullIfEmpty(in.ProviderID), in.State, nullIfEmpty(in.LastError), in.CreatedAt)
	return err
}

// UpdateNotificationStatus reports whether a row matched the provider id.
func (s *Store) UpdateNotificationStatus(ctx context.Context, in store.NotificationStatusUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE notifications
		SET state=$3, last_error=COALESCE($4, last_error), updated_at=$5
		WHERE provider=$1 AND provider_id=$2
	`, in.Provider, in.ProviderID, in.State, nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (store.Notification, bool, error) {
	var n store.Notification
	err := s.DB.QueryRow(ctx, `
		SELECT id, tenant_slug, channel, recipient, COALESCE(provider,''), COALESCE(provider_id,''),
		       state, COALESCE(last_error,''), created_at, updated_at
		FROM notifications WHERE id=$1
	`, id).Scan(&n.ID, &n.TenantSlug, &n.Channel, &n.Recipient, &n.Provider, &n.ProviderID,
		&n.State, &n.LastError, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Notification{}, false, nil
	}
	if err != nil {
		return store.Notification{}, false, err
	}
	return n, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
