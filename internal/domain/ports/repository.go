package ports

import (
	"context"

	"mediastream/internal/domain"
)

type SessionRepository interface {
	Upsert(ctx context.Context, r domain.SessionRecord) error
	Get(ctx context.Context, fp domain.Fingerprint) (domain.SessionRecord, error)
	List(ctx context.Context) ([]domain.SessionRecord, error)
	Delete(ctx context.Context, fp domain.Fingerprint) error
}
