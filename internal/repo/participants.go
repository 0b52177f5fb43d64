package repo

import (
	"context"
	"database/sql"

	"github.com/KDLN/aurelian-missions/internal/domain"
)

// EnsureParticipant creates the participant row on first contact. The first
// write fixes joined_at and guild_id; later calls are no-ops.
func (r Repo) EnsureParticipant(ctx context.Context, tx *sql.Tx, missionID, userID string, guildID *string, joinedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO participants(mission_id,user_id,guild_id,joined_at) VALUES (?,?,?,?)`,
		missionID, userID, nullableStringPtr(guildID), joinedAt)
	return err
}

// AddContribution increments one participant counter, inserting the row at
// the delta value when the participant has not touched this key before.
func (r Repo) AddContribution(ctx context.Context, tx *sql.Tx, missionID, userID, key string, qty int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contributions(mission_id,user_id,resource_key,quantity) VALUES (?,?,?,?)
ON CONFLICT(mission_id,user_id,resource_key) DO UPDATE SET quantity = quantity + excluded.quantity`,
		missionID, userID, key, qty)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, missionID, userID string) (domain.Participant, error) {
	return r.getParticipant(ctx, nil, missionID, userID)
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, missionID, userID string) (domain.Participant, error) {
	return r.getParticipant(ctx, tx, missionID, userID)
}

func (r Repo) getParticipant(ctx context.Context, tx *sql.Tx, missionID, userID string) (domain.Participant, error) {
	queryRow := func(q string, args ...any) *sql.Row {
		if tx != nil {
			return tx.QueryRowContext(ctx, q, args...)
		}
		return r.DB.QueryRowContext(ctx, q, args...)
	}
	var p domain.Participant
	var guildID, tier sql.NullString
	var rank sql.NullInt64
	err := queryRow(`SELECT mission_id,user_id,guild_id,tier,rank,reward_claimed,joined_at FROM participants WHERE mission_id=? AND user_id=?`,
		missionID, userID).Scan(&p.MissionID, &p.UserID, &guildID, &tier, &rank, &p.RewardClaimed, &p.JoinedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if guildID.Valid {
		p.GuildID = &guildID.String
	}
	if tier.Valid {
		p.Tier = &tier.String
	}
	if rank.Valid {
		v := int(rank.Int64)
		p.Rank = &v
	}
	p.Contribution = map[string]int64{}
	query := func(q string, args ...any) (*sql.Rows, error) {
		if tx != nil {
			return tx.QueryContext(ctx, q, args...)
		}
		return r.DB.QueryContext(ctx, q, args...)
	}
	rows, err := query(`SELECT resource_key, quantity FROM contributions WHERE mission_id=? AND user_id=?`, missionID, userID)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var qty int64
		if err := rows.Scan(&key, &qty); err != nil {
			return p, err
		}
		p.Contribution[key] = qty
	}
	return p, rows.Err()
}

// ListParticipants returns every participant of a mission with their full
// contribution maps, ordered by joined_at for deterministic iteration.
func (r Repo) ListParticipants(ctx context.Context, missionID string) ([]domain.Participant, error) {
	return r.listParticipants(ctx, nil, missionID)
}

func (r Repo) ListParticipantsTx(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.Participant, error) {
	return r.listParticipants(ctx, tx, missionID)
}

func (r Repo) listParticipants(ctx context.Context, tx *sql.Tx, missionID string) ([]domain.Participant, error) {
	query := func(q string, args ...any) (*sql.Rows, error) {
		if tx != nil {
			return tx.QueryContext(ctx, q, args...)
		}
		return r.DB.QueryContext(ctx, q, args...)
	}
	rows, err := query(`SELECT mission_id,user_id,guild_id,tier,rank,reward_claimed,joined_at FROM participants WHERE mission_id=? ORDER BY joined_at ASC, user_id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	byUser := map[string]int{}
	for rows.Next() {
		var p domain.Participant
		var guildID, tier sql.NullString
		var rank sql.NullInt64
		if err := rows.Scan(&p.MissionID, &p.UserID, &guildID, &tier, &rank, &p.RewardClaimed, &p.JoinedAt); err != nil {
			return nil, err
		}
		if guildID.Valid {
			p.GuildID = &guildID.String
		}
		if tier.Valid {
			p.Tier = &tier.String
		}
		if rank.Valid {
			v := int(rank.Int64)
			p.Rank = &v
		}
		p.Contribution = map[string]int64{}
		byUser[p.UserID] = len(res)
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	crows, err := query(`SELECT user_id, resource_key, quantity FROM contributions WHERE mission_id=?`, missionID)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var userID, key string
		var qty int64
		if err := crows.Scan(&userID, &key, &qty); err != nil {
			return nil, err
		}
		if i, ok := byUser[userID]; ok {
			res[i].Contribution[key] = qty
		}
	}
	return res, crows.Err()
}

// SetFrozenResult writes the frozen tier and rank during the terminal
// freeze pass. A nil tier records "below every threshold".
func (r Repo) SetFrozenResult(ctx context.Context, tx *sql.Tx, missionID, userID string, tier *string, rank int) error {
	_, err := tx.ExecContext(ctx, `UPDATE participants SET tier=?, rank=? WHERE mission_id=? AND user_id=?`,
		nullableStringPtr(tier), rank, missionID, userID)
	return err
}

// MarkRewardClaimed flips the claim flag only when it is still unset and a
// frozen tier exists. The returned bool is the idempotency gate: false
// means the reward was already claimed or the participant earned no tier.
func (r Repo) MarkRewardClaimed(ctx context.Context, tx *sql.Tx, missionID, userID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET reward_claimed=1
WHERE mission_id=? AND user_id=? AND reward_claimed=0 AND tier IS NOT NULL`, missionID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) CountParticipants(ctx context.Context, missionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE mission_id=?`, missionID).Scan(&n)
	return n, err
}
