package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keystone/internal/domain"
	"keystone/internal/events"
)

// Repo is the SQLite-backed history store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound = errors.New("not found")
	ErrEmpty    = errors.New("no items")
)

// RequestSummaryChars bounds the request text shown in history listings.
const RequestSummaryChars = 200

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// EnsureSession creates the session if it does not exist yet. It reports
// whether a row was written.
func (r Repo) EnsureSession(ctx context.Context, s domain.Session) (bool, error) {
	if s.ID == "" {
		return false, fmt.Errorf("session id is required")
	}
	if s.ProjectID == "" {
		s.ProjectID = domain.DefaultProjectID
	}
	if s.CreatedAt == "" {
		s.CreatedAt = domain.FormatTime(r.now())
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id=?`, s.ID).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	md := s.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(session_id,project_id,created_at,metadata_json) VALUES (?,?,?,?)`,
		s.ID, s.ProjectID, s.CreatedAt, string(mdJSON)); err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	if err := r.appendItemsTx(ctx, tx, s.ID, s.Items); err != nil {
		return false, err
	}
	if err := r.Events.Append(ctx, tx, events.SessionCreated, s.ProjectID, "session", s.ID, events.Payload{"mode": md["mode"]}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// AppendItems appends items to the session transcript in order. Reasoning
// traces are dropped.
func (r Repo) AppendItems(ctx context.Context, sessionID string, items []domain.Item) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := requireSession(ctx, tx, sessionID); err != nil {
		return err
	}
	if err := r.appendItemsTx(ctx, tx, sessionID, items); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) appendItemsTx(ctx context.Context, tx *sql.Tx, sessionID string, items []domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM session_items WHERE session_id=?`, sessionID).Scan(&next); err != nil {
		return fmt.Errorf("read item seq: %w", err)
	}
	for _, item := range items {
		if item.Type == domain.ItemTypeReasoning {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item: %w", err)
		}
		next++
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_items(session_id,seq,item_json) VALUES (?,?,?)`, sessionID, next, string(data)); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
	}
	return nil
}

// PopLastItem removes and returns the newest item, or ErrEmpty.
func (r Repo) PopLastItem(ctx context.Context, sessionID string) (domain.Item, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	if err := requireSession(ctx, tx, sessionID); err != nil {
		return domain.Item{}, err
	}
	var (
		seq  int64
		data string
	)
	err = tx.QueryRowContext(ctx, `SELECT seq,item_json FROM session_items WHERE session_id=? ORDER BY seq DESC LIMIT 1`, sessionID).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, ErrEmpty
	}
	if err != nil {
		return domain.Item{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_items WHERE session_id=? AND seq=?`, sessionID, seq); err != nil {
		return domain.Item{}, fmt.Errorf("delete item: %w", err)
	}
	var item domain.Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return domain.Item{}, fmt.Errorf("decode item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return item, nil
}

// ClearItems empties the transcript.
func (r Repo) ClearItems(ctx context.Context, sessionID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := requireSession(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_items WHERE session_id=?`, sessionID); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.ItemsCleared, "", "session", sessionID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveFinalDecision stores the decision and marks the session complete.
func (r Repo) SaveFinalDecision(ctx context.Context, sessionID string, d domain.FinalDecision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	projectID, err := updateSession(ctx, tx, sessionID,
		`UPDATE sessions SET final_json=?, completed_at=? WHERE session_id=?`,
		string(data), domain.FormatTime(r.now()), sessionID)
	if err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, events.DecisionSaved, projectID, "session", sessionID, events.Payload{
		"verdict":    d.Verdict,
		"confidence": d.Confidence,
		"summary":    d.Summary,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveRating records a post-hoc rating; later ratings replace earlier ones.
func (r Repo) SaveRating(ctx context.Context, sessionID string, rating domain.Rating, notes string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	projectID, err := updateSession(ctx, tx, sessionID,
		`UPDATE sessions SET rating=?, rating_notes=?, rated_at=? WHERE session_id=?`,
		string(rating), nullable(notes), domain.FormatTime(r.now()), sessionID)
	if err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, events.SessionRated, projectID, "session", sessionID, events.Payload{
		"rating": rating,
		"notes":  notes,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func updateSession(ctx context.Context, tx *sql.Tx, sessionID, query string, args ...any) (string, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrNotFound
	}
	var projectID string
	if err := tx.QueryRowContext(ctx, `SELECT project_id FROM sessions WHERE session_id=?`, sessionID).Scan(&projectID); err != nil {
		return "", err
	}
	return projectID, nil
}

func requireSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id=?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetSession loads the full record including the transcript.
func (r Repo) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var (
		s         domain.Session
		mdJSON    string
		finalJSON sql.NullString
		completed sql.NullString
		rating    sql.NullString
		notes     sql.NullString
		ratedAt   sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,project_id,created_at,metadata_json,final_json,completed_at,rating,rating_notes,rated_at FROM sessions WHERE session_id=?`, sessionID).
		Scan(&s.ID, &s.ProjectID, &s.CreatedAt, &mdJSON, &finalJSON, &completed, &rating, &notes, &ratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(mdJSON), &s.Metadata); err != nil {
		return s, fmt.Errorf("decode metadata: %w", err)
	}
	if finalJSON.Valid {
		var d domain.FinalDecision
		if err := json.Unmarshal([]byte(finalJSON.String), &d); err != nil {
			return s, fmt.Errorf("decode decision: %w", err)
		}
		s.Final = &d
	}
	s.CompletedAt = completed.String
	s.Rating = domain.Rating(rating.String)
	s.RatingNotes = notes.String
	s.RatedAt = ratedAt.String

	rows, err := r.DB.QueryContext(ctx, `SELECT item_json FROM session_items WHERE session_id=? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	s.Items = []domain.Item{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return s, err
		}
		var item domain.Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return s, fmt.Errorf("decode item: %w", err)
		}
		s.Items = append(s.Items, item)
	}
	return s, rows.Err()
}

// QueryByOwner lists up to limit sessions for a project, newest first.
func (r Repo) QueryByOwner(ctx context.Context, projectID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id, created_at,
		json_extract(metadata_json,'$.request_text'),
		json_extract(final_json,'$.verdict'),
		json_extract(final_json,'$.confidence'),
		json_extract(final_json,'$.summary'),
		rating
		FROM sessions WHERE project_id=? ORDER BY created_at DESC, session_id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		var (
			e       domain.HistoryEntry
			request sql.NullString
			verdict sql.NullString
			summary sql.NullString
			rate    sql.NullString
			conf    sql.NullFloat64
		)
		if err := rows.Scan(&e.SessionID, &e.CreatedAt, &request, &verdict, &conf, &summary, &rate); err != nil {
			return nil, err
		}
		e.RequestSummary = domain.Truncate(request.String, RequestSummaryChars)
		e.Verdict = verdict.String
		e.Confidence = conf.Float64
		e.Summary = summary.String
		e.Rating = domain.Rating(rate.String)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
