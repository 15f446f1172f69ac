package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"chatrelay-backend/internal/models"
)

type PostgresTranscriptRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresTranscriptRepo(pool *pgxpool.Pool) *PostgresTranscriptRepo {
	return &PostgresTranscriptRepo{pool: pool}
}

func (r *PostgresTranscriptRepo) Append(ctx context.Context, sessionID string, turn models.Turn) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO transcript_turns (session_id, role, text, created_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, string(turn.Role), turn.Text, createdAt)
	if err != nil {
		return errors.Wrap(err, "postgres transcript repo: append")
	}
	return nil
}

func (r *PostgresTranscriptRepo) Turns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT role, text, created_at
		FROM transcript_turns
		WHERE session_id = $1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transcript repo: query turns")
	}
	defer rows.Close()

	turns := []models.Turn{}
	for rows.Next() {
		var role string
		var t models.Turn
		if err := rows.Scan(&role, &t.Text, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "postgres transcript repo: scan turn")
		}
		t.Role = models.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres transcript repo: iterate turns")
	}
	return turns, nil
}

func (r *PostgresTranscriptRepo) Reset(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM transcript_turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return errors.Wrap(err, "postgres transcript repo: reset")
	}
	return nil
}

func (r *PostgresTranscriptRepo) Sessions(ctx context.Context) ([]models.SessionInfo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, COUNT(*), MAX(created_at)
		FROM transcript_turns
		GROUP BY session_id
		ORDER BY session_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "postgres transcript repo: list sessions")
	}
	defer rows.Close()

	out := []models.SessionInfo{}
	for rows.Next() {
		var s models.SessionInfo
		var count int64
		if err := rows.Scan(&s.ID, &count, &s.LastActivity); err != nil {
			return nil, errors.Wrap(err, "postgres transcript repo: scan session")
		}
		s.TurnCount = int(count)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres transcript repo: iterate sessions")
	}
	return out, nil
}

func (r *PostgresTranscriptRepo) PruneIdle(ctx context.Context, before time.Time) (int, error) {
	var pruned int64
	err := r.pool.QueryRow(ctx, `
		WITH idle AS (
			SELECT session_id
			FROM transcript_turns
			GROUP BY session_id
			HAVING MAX(created_at) < $1
		), deleted AS (
			DELETE FROM transcript_turns t
			USING idle
			WHERE t.session_id = idle.session_id
			RETURNING t.session_id
		)
		SELECT COUNT(DISTINCT session_id) FROM deleted
	`, before).Scan(&pruned)
	if err != nil {
		return 0, errors.Wrap(err, "postgres transcript repo: prune idle sessions")
	}
	return int(pruned), nil
}
