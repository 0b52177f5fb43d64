package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/KDLN/aurelian-missions/internal/config"
	"github.com/KDLN/aurelian-missions/internal/domain"
	"github.com/KDLN/aurelian-missions/internal/events"
	"github.com/KDLN/aurelian-missions/internal/ledger"
	"github.com/KDLN/aurelian-missions/internal/repo"
)

var (
	// ErrInvalidState means the mission is not in a status that allows the
	// requested operation.
	ErrInvalidState = errors.New("invalid mission state")
	// ErrExpired means the mission's end time has passed.
	ErrExpired = errors.New("mission expired")
	// ErrAlreadyClaimed means this user's reward was granted before.
	ErrAlreadyClaimed = errors.New("reward already claimed")
	// ErrNoTier means the participant earned no tier and has nothing to claim.
	ErrNoTier = errors.New("no tier earned")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Ledger ledger.Ledger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, lg ledger.Ledger) Engine {
	if lg == nil {
		lg = ledger.Noop{}
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Ledger: lg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	ID             string
	Name           string
	Description    string
	Type           string
	Requirements   map[string]int64
	TierThresholds []domain.TierThreshold
	RewardsByTier  map[string]domain.RewardBundle
	EndsAt         string
	StartNow       bool
	ActorID        string
}

// CreateMission validates and inserts a new mission. It lands in status
// scheduled unless StartNow is set, in which case it activates immediately.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if opts.Name == "" {
		return domain.Mission{}, invalid("name is required")
	}
	if len(opts.Requirements) == 0 {
		return domain.Mission{}, invalid("at least one requirement is required")
	}
	for key, qty := range opts.Requirements {
		if key == "" {
			return domain.Mission{}, invalid("requirement key must not be empty")
		}
		if qty <= 0 {
			return domain.Mission{}, invalid("requirement %s must be > 0", key)
		}
		if e.Config != nil && !e.Config.KnownResource(key) {
			return domain.Mission{}, invalid("unknown resource %s", key)
		}
	}
	thresholds := opts.TierThresholds
	if len(thresholds) == 0 && e.Config != nil {
		thresholds = e.Config.DefaultTiers()
	}
	if len(thresholds) == 0 {
		return domain.Mission{}, invalid("tier thresholds are required")
	}
	if err := validateThresholds(thresholds); err != nil {
		return domain.Mission{}, invalid("%v", err)
	}
	known := map[string]bool{}
	for _, t := range thresholds {
		known[t.Tier] = true
	}
	for tier := range opts.RewardsByTier {
		if !known[tier] {
			return domain.Mission{}, invalid("reward references unknown tier %s", tier)
		}
	}
	if opts.EndsAt == "" {
		return domain.Mission{}, invalid("ends_at is required")
	}
	endsAt, err := time.Parse(time.RFC3339, opts.EndsAt)
	if err != nil {
		return domain.Mission{}, invalid("ends_at must be RFC3339: %v", err)
	}
	now := e.now().UTC()
	if !endsAt.After(now) {
		return domain.Mission{}, invalid("ends_at must be in the future")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := domain.Mission{
		ID:             id,
		Name:           opts.Name,
		Description:    opts.Description,
		Type:           opts.Type,
		Status:         domain.StatusScheduled,
		Requirements:   opts.Requirements,
		Progress:       map[string]int64{},
		TierThresholds: thresholds,
		RewardsByTier:  opts.RewardsByTier,
		CreatedAt:      now.Format(time.RFC3339),
		EndsAt:         endsAt.UTC().Format(time.RFC3339),
	}
	for key := range m.Requirements {
		m.Progress[key] = 0
	}
	if opts.StartNow {
		m.Status = domain.StatusActive
		startedAt := m.CreatedAt
		m.StartedAt = &startedAt
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.created", m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
		"name":   m.Name,
		"status": m.Status,
	}); err != nil {
		return domain.Mission{}, err
	}
	if opts.StartNow {
		if err := e.Events.Append(ctx, tx, "mission.started", m.ID, "mission", m.ID, opts.ActorID, nil); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func validateThresholds(thresholds []domain.TierThreshold) error {
	tiers := make([]config.TierConfig, 0, len(thresholds))
	for _, t := range thresholds {
		tiers = append(tiers, config.TierConfig{Tier: t.Tier, Multiplier: t.Multiplier})
	}
	return config.ValidateTiers(tiers)
}

// StartMission activates a scheduled mission. Starting an already active or
// terminal mission fails with ErrInvalidState; starting past the end time
// fails with ErrExpired.
func (e Engine) StartMission(ctx context.Context, id, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusScheduled {
		return domain.Mission{}, fmt.Errorf("%w: cannot start mission in status %s", ErrInvalidState, m.Status)
	}
	now := e.now().UTC()
	if !e.before(now, m.EndsAt) {
		return domain.Mission{}, ErrExpired
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	startedAt := now.Format(time.RFC3339)
	moved, err := e.Repo.TransitionStatus(ctx, tx, id, domain.StatusScheduled, domain.StatusActive, &startedAt, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	if !moved {
		return domain.Mission{}, fmt.Errorf("%w: mission %s left scheduled concurrently", ErrInvalidState, id)
	}
	if err := e.Events.Append(ctx, tx, "mission.started", id, "mission", id, actorID, nil); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.Status = domain.StatusActive
	m.StartedAt = &startedAt
	return m, nil
}

// EndMission ends an active mission ahead of its deadline. The terminal
// status depends on whether every requirement is met at that instant:
// completed if so, failed otherwise. With forced set the mission is marked
// completed regardless of unmet requirements. Tiers and ranks are frozen in
// the same transaction. Ending an already terminal mission returns the
// mission unchanged; the freeze pass runs at most once.
func (e Engine) EndMission(ctx context.Context, id, actorID string, forced bool) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	switch m.Status {
	case domain.StatusCompleted, domain.StatusFailed:
		return m, nil
	case domain.StatusScheduled:
		return domain.Mission{}, fmt.Errorf("%w: cannot end mission in status %s", ErrInvalidState, m.Status)
	}
	return e.terminate(ctx, id, actorID, "mission.ended", forced)
}

// terminate runs the terminal transition and freeze pass for one active
// mission. The conditional status update makes the freeze exactly-once even
// under concurrent end and expiry sweeps.
func (e Engine) terminate(ctx context.Context, id, actorID, evtType string, forceComplete bool) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	unmet, err := e.Repo.UnmetRequirementCount(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	final := domain.StatusCompleted
	if unmet > 0 && !forceComplete {
		final = domain.StatusFailed
	}
	completedAt := e.nowRFC3339()
	moved, err := e.Repo.TransitionStatus(ctx, tx, id, domain.StatusActive, final, nil, &completedAt)
	if err != nil {
		return domain.Mission{}, err
	}
	if !moved {
		// Someone else terminated it first; their freeze stands.
		return e.Repo.GetMissionTx(ctx, tx, id)
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := e.freezeResults(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, id, "mission", id, actorID, events.EventPayload{
		"status": final,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// freezeResults writes final tier and rank for every participant. Ordering
// matches the live leaderboard: score descending, then join time, then user
// ID, so a mission's standings do not reshuffle at the moment it ends.
func (e Engine) freezeResults(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	participants, err := e.Repo.ListParticipantsTx(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	scores := make(map[string]float64, len(participants))
	for _, p := range participants {
		scores[p.UserID] = Score(p.Contribution, m.Requirements)
	}
	sort.SliceStable(participants, func(i, j int) bool {
		si, sj := scores[participants[i].UserID], scores[participants[j].UserID]
		if si != sj {
			return si > sj
		}
		if participants[i].JoinedAt != participants[j].JoinedAt {
			return participants[i].JoinedAt < participants[j].JoinedAt
		}
		return participants[i].UserID < participants[j].UserID
	})
	for rank, p := range participants {
		tier := TierFor(scores[p.UserID], m.TierThresholds)
		if err := e.Repo.SetFrozenResult(ctx, tx, m.ID, p.UserID, tier, rank+1); err != nil {
			return err
		}
	}
	return nil
}

// ExpireOverdue fails every active mission whose end time has passed. It is
// called by the background sweep and is safe to run concurrently with itself
// and with contributions.
func (e Engine) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := e.Repo.ListActiveIDsPastEnd(ctx, e.nowRFC3339())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		m, err := e.terminate(ctx, id, "system", "mission.expired", false)
		if err != nil {
			return expired, fmt.Errorf("expire mission %s: %w", id, err)
		}
		if m.Status == domain.StatusFailed || m.Status == domain.StatusCompleted {
			expired++
		}
	}
	return expired, nil
}

// ContributeOptions are parameters for recording one contribution.
type ContributeOptions struct {
	MissionID string
	UserID    string
	GuildID   *string
	Deltas    map[string]int64
}

// ContributeResult is the outcome of one accepted contribution.
type ContributeResult struct {
	Mission       domain.Mission
	Participant   domain.Participant
	JustCompleted bool
}

// Contribute applies a set of per-resource deltas for one user. Increments
// to mission progress and the user's running totals happen atomically in one
// transaction; if the mission's requirements all land as a result, the same
// transaction flips it to completed, and exactly one caller observes
// JustCompleted true.
func (e Engine) Contribute(ctx context.Context, opts ContributeOptions) (ContributeResult, error) {
	if opts.UserID == "" {
		return ContributeResult{}, invalid("user_id is required")
	}
	deltas := map[string]int64{}
	for key, qty := range opts.Deltas {
		if qty < 0 {
			return ContributeResult{}, invalid("delta for %s must be >= 0", key)
		}
		if qty > 0 {
			deltas[key] = qty
		}
	}
	if len(deltas) == 0 {
		return ContributeResult{}, invalid("contribution must include at least one positive delta")
	}

	m, err := e.Repo.GetMission(ctx, opts.MissionID)
	if err != nil {
		return ContributeResult{}, err
	}
	if m.Status != domain.StatusActive {
		return ContributeResult{}, fmt.Errorf("%w: mission is %s", ErrInvalidState, m.Status)
	}
	now := e.now().UTC()
	if !e.before(now, m.EndsAt) {
		return ContributeResult{}, ErrExpired
	}
	for key := range deltas {
		if _, ok := m.Requirements[key]; !ok {
			return ContributeResult{}, invalid("resource %s is not part of this mission", key)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ContributeResult{}, err
	}
	defer tx.Rollback()

	// Re-check status inside the transaction so a contribution racing a
	// terminal transition cannot land after the freeze.
	cur, err := e.Repo.GetMissionTx(ctx, tx, opts.MissionID)
	if err != nil {
		return ContributeResult{}, err
	}
	if cur.Status != domain.StatusActive {
		return ContributeResult{}, fmt.Errorf("%w: mission is %s", ErrInvalidState, cur.Status)
	}

	if err := e.Repo.EnsureParticipant(ctx, tx, opts.MissionID, opts.UserID, opts.GuildID, now.Format(time.RFC3339)); err != nil {
		return ContributeResult{}, err
	}
	for key, qty := range deltas {
		if err := e.Repo.AddProgress(ctx, tx, opts.MissionID, key, qty); err != nil {
			return ContributeResult{}, err
		}
		if err := e.Repo.AddContribution(ctx, tx, opts.MissionID, opts.UserID, key, qty); err != nil {
			return ContributeResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "mission.contribution", opts.MissionID, "participant", opts.UserID, opts.UserID, events.EventPayload{
		"deltas": deltas,
	}); err != nil {
		return ContributeResult{}, err
	}

	justCompleted := false
	unmet, err := e.Repo.UnmetRequirementCount(ctx, tx, opts.MissionID)
	if err != nil {
		return ContributeResult{}, err
	}
	if unmet == 0 {
		completedAt := now.Format(time.RFC3339)
		moved, err := e.Repo.TransitionStatus(ctx, tx, opts.MissionID, domain.StatusActive, domain.StatusCompleted, nil, &completedAt)
		if err != nil {
			return ContributeResult{}, err
		}
		if moved {
			justCompleted = true
			mm, err := e.Repo.GetMissionTx(ctx, tx, opts.MissionID)
			if err != nil {
				return ContributeResult{}, err
			}
			if err := e.freezeResults(ctx, tx, mm); err != nil {
				return ContributeResult{}, err
			}
			if err := e.Events.Append(ctx, tx, "mission.completed", opts.MissionID, "mission", opts.MissionID, opts.UserID, nil); err != nil {
				return ContributeResult{}, err
			}
		}
	}

	final, err := e.Repo.GetMissionTx(ctx, tx, opts.MissionID)
	if err != nil {
		return ContributeResult{}, err
	}
	p, err := e.Repo.GetParticipantTx(ctx, tx, opts.MissionID, opts.UserID)
	if err != nil {
		return ContributeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ContributeResult{}, err
	}
	return ContributeResult{Mission: final, Participant: p, JustCompleted: justCompleted}, nil
}

// Claim grants the reward for a participant's frozen tier. Only completed
// missions pay out; failed missions keep their frozen tiers for the record
// but grant nothing. The claimed flag flips with a conditional update before
// the ledger call, so two concurrent claims produce exactly one grant; a
// ledger failure rolls the flag back and the claim can be retried. The
// ledger's idempotency key absorbs the case where the grant landed but the
// commit did not.
func (e Engine) Claim(ctx context.Context, missionID, userID string) (domain.RewardBundle, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.RewardBundle{}, err
	}
	if m.Status != domain.StatusCompleted {
		return domain.RewardBundle{}, fmt.Errorf("%w: mission is %s", ErrInvalidState, m.Status)
	}
	p, err := e.Repo.GetParticipant(ctx, missionID, userID)
	if err != nil {
		return domain.RewardBundle{}, err
	}
	if p.Tier == nil {
		return domain.RewardBundle{}, ErrNoTier
	}
	if p.RewardClaimed {
		return domain.RewardBundle{}, ErrAlreadyClaimed
	}
	bundle, ok := m.RewardsByTier[*p.Tier]
	if !ok {
		// Tier earned but no bundle configured for it: the claim still
		// burns so standings read consistently.
		bundle = domain.RewardBundle{}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RewardBundle{}, err
	}
	defer tx.Rollback()
	claimed, err := e.Repo.MarkRewardClaimed(ctx, tx, missionID, userID)
	if err != nil {
		return domain.RewardBundle{}, err
	}
	if !claimed {
		return domain.RewardBundle{}, ErrAlreadyClaimed
	}
	if err := e.Ledger.Grant(ctx, userID, bundle, missionID+":"+userID); err != nil {
		return domain.RewardBundle{}, fmt.Errorf("ledger grant: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.reward_claimed", missionID, "participant", userID, userID, events.EventPayload{
		"tier": *p.Tier,
	}); err != nil {
		return domain.RewardBundle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RewardBundle{}, err
	}
	return bundle, nil
}

// Standing is one user's view of their own position in a mission.
type Standing struct {
	Participant domain.Participant
	Score       float64
	Tier        *string
	Rank        int
	Frozen      bool
}

// GetStanding returns the caller's live or frozen standing for a mission.
// For active missions tier and rank are computed from current contributions;
// for terminal missions the frozen columns are authoritative.
func (e Engine) GetStanding(ctx context.Context, missionID, userID string) (Standing, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return Standing{}, err
	}
	p, err := e.Repo.GetParticipant(ctx, missionID, userID)
	if err != nil {
		return Standing{}, err
	}
	score := Score(p.Contribution, m.Requirements)
	if m.Status == domain.StatusCompleted || m.Status == domain.StatusFailed {
		rank := 0
		if p.Rank != nil {
			rank = *p.Rank
		}
		return Standing{Participant: p, Score: score, Tier: p.Tier, Rank: rank, Frozen: true}, nil
	}
	board, err := e.Leaderboard(ctx, missionID, LeaderboardOptions{PageSize: -1})
	if err != nil {
		return Standing{}, err
	}
	rank := 0
	for _, entry := range board.Entries {
		if entry.UserID == userID {
			rank = entry.Rank
			break
		}
	}
	return Standing{Participant: p, Score: score, Tier: TierFor(score, m.TierThresholds), Rank: rank, Frozen: false}, nil
}

func (e Engine) before(now time.Time, endsAt string) bool {
	end, err := time.Parse(time.RFC3339, endsAt)
	if err != nil {
		return false
	}
	return now.Before(end)
}
