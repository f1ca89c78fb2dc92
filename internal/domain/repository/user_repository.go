package repository

import (
	"context"

	"fanlink/internal/domain/entity"
)

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*entity.User, error)
	// TouchLastActive bumps the durable last-active timestamp. Callers treat
	// failures as best-effort.
	TouchLastActive(ctx context.Context, id string) error
}
