package memberdirectory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	postgres "github.com/chess-club/federation-api/internal/adapters/postgres"
	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/memberdirectory"
)

// Directory resolves members from the shared members table.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) ResolveMemberID(ctx context.Context, email domain.Email) (domain.MemberID, error) {
	if d.pool == nil {
		return "", errors.New("nil postgres pool")
	}
	var id string
	err := d.pool.QueryRow(ctx, `SELECT member_id FROM members WHERE lower(email) = $1`,
		string(domain.NormalizeEmail(email)),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", memberdirectory.ErrNotFound
		}
		return "", err
	}
	return domain.MemberID(id), nil
}

// Put binds email to id, updating the email of an existing member.
func (d *Directory) Put(ctx context.Context, email domain.Email, id domain.MemberID) error {
	if d.pool == nil {
		return errors.New("nil postgres pool")
	}
	if err := domain.ValidateMemberID(id); err != nil {
		return err
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO members (member_id, email)
		VALUES ($1, $2)
		ON CONFLICT (member_id) DO UPDATE SET email = EXCLUDED.email
	`, string(id), string(domain.NormalizeEmail(email)))
	if err != nil {
		if pe, ok := postgres.AsPgError(err); ok && pe.Code == postgres.UniqueViolationCode {
			return memberdirectory.ErrEmailAlreadyBound
		}
		return err
	}
	return nil
}
