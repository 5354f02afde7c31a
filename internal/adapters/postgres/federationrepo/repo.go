package federationrepo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	postgres "github.com/chess-club/federation-api/internal/adapters/postgres"
	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/federationrepo"
)

// Repo is a Postgres implementation of federationrepo.Repository.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

const selectColumns = `member_id, state, auto_renew, last_document_update, front_image_ref, back_image_ref, version, updated_at`

func (r *Repo) Get(ctx context.Context, id domain.MemberID) (federationrepo.Record, error) {
	if r.pool == nil {
		return federationrepo.Record{}, errors.New("nil postgres pool")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM federation_records WHERE member_id = $1`, string(id))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return federationrepo.Record{}, federationrepo.ErrNotFound
		}
		return federationrepo.Record{}, err
	}
	return rec, nil
}

func (r *Repo) Upsert(ctx context.Context, rec federationrepo.Record) (federationrepo.Record, error) {
	if r.pool == nil {
		return federationrepo.Record{}, errors.New("nil postgres pool")
	}
	if err := rec.Validate(); err != nil {
		return federationrepo.Record{}, err
	}

	expected := rec.Version
	rec.Version = expected + 1
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	lastUpdate := nullableDate(rec.LastDocumentUpdate)

	var (
		sql  string
		args []any
	)
	if expected == 0 {
		sql = `
			INSERT INTO federation_records (
				member_id,
				state,
				auto_renew,
				last_document_update,
				front_image_ref,
				back_image_ref,
				version,
				updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (member_id) DO NOTHING
		`
		args = []any{string(rec.MemberID), string(rec.State), rec.AutoRenew, lastUpdate, rec.FrontImageRef, rec.BackImageRef, rec.Version, rec.UpdatedAt}
	} else {
		sql = `
			UPDATE federation_records SET
				state = $2,
				auto_renew = $3,
				last_document_update = $4,
				front_image_ref = $5,
				back_image_ref = $6,
				version = $7,
				updated_at = $8
			WHERE member_id = $1 AND version = $9
		`
		args = []any{string(rec.MemberID), string(rec.State), rec.AutoRenew, lastUpdate, rec.FrontImageRef, rec.BackImageRef, rec.Version, rec.UpdatedAt, expected}
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		if pe, ok := postgres.AsPgError(err); ok && pe.Code == postgres.CheckViolationCode {
			return federationrepo.Record{}, errors.Join(federationrepo.ErrInvalidRecord, err)
		}
		return federationrepo.Record{}, err
	}
	if tag.RowsAffected() == 0 {
		return federationrepo.Record{}, federationrepo.ErrConflict
	}
	if lastUpdate == nil {
		rec.LastDocumentUpdate = time.Time{}
	} else {
		rec.LastDocumentUpdate = *lastUpdate
	}
	return rec, nil
}

func (r *Repo) List(ctx context.Context) ([]federationrepo.Record, error) {
	if r.pool == nil {
		return nil, errors.New("nil postgres pool")
	}
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+` FROM federation_records ORDER BY member_id COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []federationrepo.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (federationrepo.Record, error) {
	var (
		rec        federationrepo.Record
		id, state  string
		lastUpdate *time.Time
	)
	if err := row.Scan(&id, &state, &rec.AutoRenew, &lastUpdate, &rec.FrontImageRef, &rec.BackImageRef, &rec.Version, &rec.UpdatedAt); err != nil {
		return federationrepo.Record{}, err
	}
	rec.MemberID = domain.MemberID(id)
	rec.State = domain.FederationState(state)
	if lastUpdate != nil {
		rec.LastDocumentUpdate = domain.DateOnly(*lastUpdate)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	d := domain.DateOnly(t)
	return &d
}
