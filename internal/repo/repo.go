package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"permitline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// NextPermitNumber mints a PTW-YYYYMMDD-NNN number from a per-day
// counter. The number is assigned once at draft creation and never
// changes afterward.
func (r Repo) NextPermitNumber(ctx context.Context, now time.Time) (string, error) {
	day := now.UTC().Format("20060102")
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var value int
	err = tx.QueryRowContext(ctx, `SELECT value FROM permit_sequence WHERE day=?`, day).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		value = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO permit_sequence(day,value) VALUES (?,?)`, day, value); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		value++
		if _, err := tx.ExecContext(ctx, `UPDATE permit_sequence SET value=? WHERE day=?`, value, day); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fmt.Sprintf("PTW-%s-%03d", day, value), nil
}

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.PermitDraft) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO drafts(permit_number,payload_json,current_step,sync_status,created_at,last_saved_at) VALUES (?,?,?,?,?,?)`,
		d.PermitNumber, string(payload), int(d.CurrentStep), d.SyncStatus, d.CreatedAt, nullablePtr(d.LastSavedAt))
	return err
}

// SaveDraft overwrites the stored snapshot for a draft. Last snapshot
// wins; there is no merging of partial writes.
func (r Repo) SaveDraft(ctx context.Context, tx *sql.Tx, d domain.PermitDraft) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET payload_json=?, current_step=?, sync_status=?, last_saved_at=? WHERE permit_number=?`,
		string(payload), int(d.CurrentStep), d.SyncStatus, nullablePtr(d.LastSavedAt), d.PermitNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDraft(ctx context.Context, permitNumber string) (domain.PermitDraft, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM drafts WHERE permit_number=?`, permitNumber).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.PermitDraft{}, ErrNotFound
	}
	if err != nil {
		return domain.PermitDraft{}, err
	}
	var d domain.PermitDraft
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return domain.PermitDraft{}, fmt.Errorf("decode draft %s: %w", permitNumber, err)
	}
	return d, nil
}

// DraftSummary is what list views need without decoding full payloads.
type DraftSummary struct {
	PermitNumber string  `json:"permit_number"`
	CurrentStep  int     `json:"current_step"`
	SyncStatus   string  `json:"sync_status"`
	CreatedAt    string  `json:"created_at"`
	LastSavedAt  *string `json:"last_saved_at,omitempty"`
}

func (r Repo) ListDrafts(ctx context.Context) ([]DraftSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT permit_number,current_step,sync_status,created_at,last_saved_at FROM drafts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DraftSummary
	for rows.Next() {
		var s DraftSummary
		var saved sql.NullString
		if err := rows.Scan(&s.PermitNumber, &s.CurrentStep, &s.SyncStatus, &s.CreatedAt, &saved); err != nil {
			return nil, err
		}
		if saved.Valid {
			s.LastSavedAt = &saved.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RetireDraft removes a draft after successful submission.
func (r Repo) RetireDraft(ctx context.Context, tx *sql.Tx, permitNumber string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM drafts WHERE permit_number=?`, permitNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteDraft(ctx context.Context, permitNumber string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM drafts WHERE permit_number=?`, permitNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertReceipt(ctx context.Context, tx *sql.Tx, rec domain.SubmissionReceipt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(permit_number,server_number,status,submitted_at) VALUES (?,?,?,?)`,
		rec.PermitNumber, rec.ServerNumber, rec.Status, rec.SubmittedAt)
	return err
}

func (r Repo) GetReceipt(ctx context.Context, permitNumber string) (domain.SubmissionReceipt, error) {
	var rec domain.SubmissionReceipt
	err := r.DB.QueryRowContext(ctx, `SELECT permit_number,server_number,status,submitted_at FROM submissions WHERE permit_number=?`, permitNumber).
		Scan(&rec.PermitNumber, &rec.ServerNumber, &rec.Status, &rec.SubmittedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// CacheCatalog replaces the cached copy of the remote catalog.
func (r Repo) CacheCatalog(ctx context.Context, types []domain.PermitType, fetchedAt time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_cache`); err != nil {
		return err
	}
	ts := fetchedAt.UTC().Format(time.RFC3339)
	for _, pt := range types {
		payload, err := json.Marshal(pt)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO catalog_cache(id,payload_json,fetched_at) VALUES (?,?,?)`,
			pt.ID, string(payload), ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) CachedCatalog(ctx context.Context) ([]domain.PermitType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM catalog_cache ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PermitType
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var pt domain.PermitType
		if err := json.Unmarshal([]byte(payload), &pt); err != nil {
			return nil, err
		}
		res = append(res, pt)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, permitNumber, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(permit_number,''),actor_id,payload_json FROM events`
	var (
		where []string
		args  []any
	)
	if permitNumber != "" {
		where = append(where, "permit_number=?")
		args = append(args, permitNumber)
	}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PermitNumber, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
