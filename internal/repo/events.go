package repo

import (
	"context"

	"github.com/KDLN/aurelian-missions/internal/domain"
)

// EventsAfter returns up to limit events with IDs greater than afterID,
// oldest first. missionID narrows the result when non-empty.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, missionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ts, type, COALESCE(mission_id,''), entity_kind, COALESCE(entity_id,''), actor_id, COALESCE(payload_json,'') FROM events WHERE id > ?`
	args := []any{afterID}
	if missionID != "" {
		query += ` AND mission_id=?`
		args = append(args, missionID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.MissionID, &evt.EntityKind, &evt.EntityID, &evt.ActorID, &evt.Payload); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event ID, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// ListEvents returns the most recent events, newest first.
func (r Repo) ListEvents(ctx context.Context, missionID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, ts, type, COALESCE(mission_id,''), entity_kind, COALESCE(entity_id,''), actor_id, COALESCE(payload_json,'') FROM events`
	var args []any
	if missionID != "" {
		query += ` WHERE mission_id=?`
		args = append(args, missionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.MissionID, &evt.EntityKind, &evt.EntityID, &evt.ActorID, &evt.Payload); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
