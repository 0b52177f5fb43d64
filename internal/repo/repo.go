package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/KDLN/aurelian-missions/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const missionColumns = `id,name,COALESCE(description,'') AS description,COALESCE(type,'') AS type,status,tier_thresholds_json,rewards_json,created_at,started_at,ends_at,completed_at`

// InsertMission writes the mission row plus one requirement row and one
// zero-valued progress row per resource key. Progress rows are seeded up
// front so later increments are plain UPDATEs with no insert race.
func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	tiersJSON, err := json.Marshal(m.TierThresholds)
	if err != nil {
		return fmt.Errorf("marshal tier thresholds: %w", err)
	}
	rewardsJSON, err := json.Marshal(m.RewardsByTier)
	if err != nil {
		return fmt.Errorf("marshal rewards: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO missions(id,name,description,type,status,tier_thresholds_json,rewards_json,created_at,started_at,ends_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, nullable(m.Description), nullable(m.Type), m.Status, string(tiersJSON), string(rewardsJSON),
		m.CreatedAt, nullableStringPtr(m.StartedAt), m.EndsAt, nullableStringPtr(m.CompletedAt))
	if err != nil {
		return err
	}
	for key, required := range m.Requirements {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mission_requirements(mission_id,resource_key,required) VALUES (?,?,?)`, m.ID, key, required); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO mission_progress(mission_id,resource_key,quantity) VALUES (?,?,0)`, m.ID, key); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err != nil {
		return m, err
	}
	if err := r.loadMissionMaps(ctx, nil, &m); err != nil {
		return m, err
	}
	return m, nil
}

// GetMissionTx reads the mission inside a transaction so the status and
// progress the engine decides on are the ones it will commit against.
func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	m, err := scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err != nil {
		return m, err
	}
	if err := r.loadMissionMaps(ctx, tx, &m); err != nil {
		return m, err
	}
	return m, nil
}

type MissionFilters struct {
	Status string
	Type   string
	Limit  int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT ` + missionColumns + ` FROM missions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMissionRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.loadMissionMaps(ctx, nil, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListActiveIDsPastEnd returns ids of active missions whose ends_at has
// passed, for the expiry sweep.
func (r Repo) ListActiveIDsPastEnd(ctx context.Context, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM missions WHERE status=? AND ends_at <= ?`, domain.StatusActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionStatus flips the mission status only when the current status
// still matches from. The returned bool is the compare-and-set outcome:
// false means another caller already moved the mission on, and the caller
// must not run transition side effects.
func (r Repo) TransitionStatus(ctx context.Context, tx *sql.Tx, id, from, to string, startedAt, completedAt *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?,
started_at=COALESCE(?,started_at),
completed_at=COALESCE(?,completed_at)
WHERE id=? AND status=?`, to, nullableStringPtr(startedAt), nullableStringPtr(completedAt), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddProgress increments one mission-wide counter. Counter semantics: the
// addition happens in the database, never as a read-modify-write in Go.
func (r Repo) AddProgress(ctx context.Context, tx *sql.Tx, missionID, key string, qty int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE mission_progress SET quantity = quantity + ? WHERE mission_id=? AND resource_key=?`, qty, missionID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("progress row %s/%s: %w", missionID, key, ErrNotFound)
	}
	return nil
}

// UnmetRequirementCount counts requirement keys whose progress is still
// below the requirement, inside the caller's transaction. Zero means the
// mission's completion condition holds.
func (r Repo) UnmetRequirementCount(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mission_requirements r
JOIN mission_progress p ON p.mission_id = r.mission_id AND p.resource_key = r.resource_key
WHERE r.mission_id=? AND p.quantity < r.required`, missionID).Scan(&n)
	return n, err
}

func (r Repo) loadMissionMaps(ctx context.Context, tx *sql.Tx, m *domain.Mission) error {
	query := func(q string, args ...any) (*sql.Rows, error) {
		if tx != nil {
			return tx.QueryContext(ctx, q, args...)
		}
		return r.DB.QueryContext(ctx, q, args...)
	}
	m.Requirements = map[string]int64{}
	m.Progress = map[string]int64{}
	rows, err := query(`SELECT r.resource_key, r.required, p.quantity FROM mission_requirements r
JOIN mission_progress p ON p.mission_id = r.mission_id AND p.resource_key = r.resource_key
WHERE r.mission_id=?`, m.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var required, qty int64
		if err := rows.Scan(&key, &required, &qty); err != nil {
			return err
		}
		m.Requirements[key] = required
		m.Progress[key] = qty
	}
	return rows.Err()
}

type missionScanner interface {
	Scan(dest ...any) error
}

func scanMission(row *sql.Row) (domain.Mission, error) {
	m, err := scanMissionFrom(row)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func scanMissionRows(rows *sql.Rows) (domain.Mission, error) {
	return scanMissionFrom(rows)
}

func scanMissionFrom(s missionScanner) (domain.Mission, error) {
	var m domain.Mission
	var tiersJSON, rewardsJSON string
	var startedAt, completedAt sql.NullString
	err := s.Scan(&m.ID, &m.Name, &m.Description, &m.Type, &m.Status, &tiersJSON, &rewardsJSON,
		&m.CreatedAt, &startedAt, &m.EndsAt, &completedAt)
	if err != nil {
		return m, err
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	if err := json.Unmarshal([]byte(tiersJSON), &m.TierThresholds); err != nil {
		return m, fmt.Errorf("decode tier thresholds for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(rewardsJSON), &m.RewardsByTier); err != nil {
		return m, fmt.Errorf("decode rewards for %s: %w", m.ID, err)
	}
	return m, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
