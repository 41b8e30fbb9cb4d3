package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shimimasa/game-asset-manager/internal/domain"
)

// UserRepositoryPG implements domain.UserRepository.
type UserRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a user repository backed by PostgreSQL.
func NewUserRepository(pool *pgxpool.Pool) *UserRepositoryPG {
	return &UserRepositoryPG{pool: pool}
}

// GetByID fetches a user by identifier.
func (r *UserRepositoryPG) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT id, email, username, created_at, updated_at FROM users WHERE id = $1;`
	var u domain.User
	if err := r.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.Username, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
