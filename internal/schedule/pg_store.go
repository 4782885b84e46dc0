package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telehealth-scheduling/internal/db"
)

// PgTemplateRepository stores templates in availability_templates. Days and blackouts are JSONB.
type PgTemplateRepository struct {
	pool db.DBTX
}

func NewPgTemplateRepository(pool db.DBTX) *PgTemplateRepository {
	if pool == nil {
		panic("schedule: pgx pool required")
	}
	return &PgTemplateRepository{pool: pool}
}

func (r *PgTemplateRepository) Load(ctx context.Context, providerID uuid.UUID) (*Template, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT provider_id, days, slot_duration_minutes, break_minutes, consultation_fee::text,
		       currency, timezone, blackouts, updated_at
		FROM availability_templates
		WHERE provider_id = $1
	`, providerID)

	var (
		t         Template
		days      []byte
		fee       string
		blackouts []byte
	)
	err := row.Scan(
		&t.ProviderID,
		&days,
		&t.SlotDurationMinutes,
		&t.BreakMinutes,
		&fee,
		&t.Currency,
		&t.Timezone,
		&blackouts,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("load template: %w", err)
	}

	if err := json.Unmarshal(days, &t.Days); err != nil {
		return nil, fmt.Errorf("decode template days: %w", err)
	}
	if err := json.Unmarshal(blackouts, &t.Blackouts); err != nil {
		return nil, fmt.Errorf("decode template blackouts: %w", err)
	}
	if t.ConsultationFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("decode consultation fee: %w", err)
	}
	return &t, nil
}

func (r *PgTemplateRepository) Save(ctx context.Context, t Template) error {
	days, err := json.Marshal(t.Days)
	if err != nil {
		return fmt.Errorf("encode template days: %w", err)
	}
	blackouts := t.Blackouts
	if blackouts == nil {
		blackouts = []BlackoutRange{}
	}
	blackoutJSON, err := json.Marshal(blackouts)
	if err != nil {
		return fmt.Errorf("encode template blackouts: %w", err)
	}
	updatedAt := t.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO availability_templates
			(provider_id, days, slot_duration_minutes, break_minutes, consultation_fee, currency, timezone, blackouts, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (provider_id) DO UPDATE SET
			days = EXCLUDED.days,
			slot_duration_minutes = EXCLUDED.slot_duration_minutes,
			break_minutes = EXCLUDED.break_minutes,
			consultation_fee = EXCLUDED.consultation_fee,
			currency = EXCLUDED.currency,
			timezone = EXCLUDED.timezone,
			blackouts = EXCLUDED.blackouts,
			updated_at = EXCLUDED.updated_at
	`, t.ProviderID, days, t.SlotDurationMinutes, t.BreakMinutes, t.ConsultationFee.String(),
		t.Currency, t.Timezone, blackoutJSON, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}
