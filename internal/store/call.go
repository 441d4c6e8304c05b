package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voxbridge/voxbridge/internal/store/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `id, sip_call_id, caller_addr, caller_uri, extension,
	 guild_id, channel_id, codec, status, reason, created_at, answered_at, ended_at`

// Create inserts a new call record. The partial unique index on live calls
// enforces one channel call per caller; a violation surfaces as
// ErrDuplicateActiveCall.
func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO calls (sip_call_id, caller_addr, caller_uri, extension,
		 guild_id, channel_id, codec, status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		call.SIPCallID, call.CallerAddr, call.CallerURI, call.Extension,
		call.GuildID, nullString(call.ChannelID), call.Codec,
		string(call.Status), call.Reason, call.CreatedAt,
	)
	if err != nil {
		if r.db.isUniqueViolation(err, "idx_calls_one_live_per_caller") {
			return ErrDuplicateActiveCall
		}
		return fmt.Errorf("inserting call: %w", err)
	}

	// Postgres drivers do not support LastInsertId; fetch the row back.
	if r.db.driver == DriverPostgres {
		row := r.db.QueryRowContext(ctx, r.db.rebind(
			"SELECT id FROM calls WHERE sip_call_id = ?"), call.SIPCallID)
		if err := row.Scan(&call.ID); err != nil {
			return fmt.Errorf("fetching call id: %w", err)
		}
		return nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	call.ID = id
	return nil
}

// GetByID returns a call by row ID.
func (r *callRepo) GetByID(ctx context.Context, id int64) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		"SELECT "+callColumns+" FROM calls WHERE id = ?"), id))
}

// GetBySIPCallID returns a call by its SIP Call-ID.
func (r *callRepo) GetBySIPCallID(ctx context.Context, sipCallID string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, r.db.rebind(
		"SELECT "+callColumns+" FROM calls WHERE sip_call_id = ?"), sipCallID))
}

// MarkAnswered moves a ringing call to active. The status guard makes the
// write a no-op if the call was torn down concurrently.
func (r *callRepo) MarkAnswered(ctx context.Context, id int64, answeredAt time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.rebind(
		"UPDATE calls SET status = ?, answered_at = ? WHERE id = ? AND status = ?"),
		string(models.StatusActive), answeredAt.UTC(), id, string(models.StatusRinging),
	)
	if err != nil {
		return fmt.Errorf("marking call answered: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish moves a call to a terminal status. Finishing an already-finished
// call is a no-op so duplicate teardown paths stay idempotent.
func (r *callRepo) Finish(ctx context.Context, id int64, status models.CallStatus, reason string, endedAt time.Time) error {
	if status.Live() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE calls SET status = ?, reason = ?, ended_at = ?
		 WHERE id = ? AND status IN (?, ?)`),
		string(status), reason, endedAt.UTC(), id,
		string(models.StatusRinging), string(models.StatusActive),
	)
	if err != nil {
		return fmt.Errorf("finishing call: %w", err)
	}
	return nil
}

// CloseStale fails every live call. Used at startup to clear records
// orphaned by an unclean shutdown.
func (r *callRepo) CloseStale(ctx context.Context, reason string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE calls SET status = ?, reason = ?, ended_at = ?
		 WHERE status IN (?, ?)`),
		string(models.StatusFailed), reason, time.Now().UTC(),
		string(models.StatusRinging), string(models.StatusActive),
	)
	if err != nil {
		return 0, fmt.Errorf("closing stale calls: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// List returns the most recent calls, newest first.
func (r *callRepo) List(ctx context.Context, limit int) ([]models.Call, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		"SELECT "+callColumns+" FROM calls ORDER BY created_at DESC, id DESC LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// CountByStatus returns call counts grouped by status.
func (r *callRepo) CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM calls GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting calls: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CallStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning call count: %w", err)
		}
		counts[models.CallStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *callRepo) scanOne(row *sql.Row) (*models.Call, error) {
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return call, err
}

func scanCall(row rowScanner) (*models.Call, error) {
	var call models.Call
	var status string
	var channelID sql.NullString
	var answeredAt, endedAt sql.NullTime
	err := row.Scan(
		&call.ID, &call.SIPCallID, &call.CallerAddr, &call.CallerURI,
		&call.Extension, &call.GuildID, &channelID, &call.Codec,
		&status, &call.Reason, &call.CreatedAt, &answeredAt, &endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	call.Status = models.CallStatus(status)
	call.ChannelID = channelID.String
	if answeredAt.Valid {
		t := answeredAt.Time
		call.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		call.EndedAt = &t
	}
	return &call, nil
}

// nullString maps empty strings to NULL so the live-call index skips
// playback-only calls.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
