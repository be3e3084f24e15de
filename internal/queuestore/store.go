// Package queuestore is the durable, single-writer store for Group and
// SubbandFile rows: the source of truth for what work exists and what
// state it is in. The repository shape (interface + gorm.DB-backed
// struct, transactional claim-and-update) follows the teacher's
// internal/repos job-run repository; ClaimOneReady adapts the teacher's
// Postgres `SELECT ... FOR UPDATE SKIP LOCKED` claim into a per-store
// mutex plus a single transaction, because SQLite has no row-level
// locking and only one writer may hold the database at a time.
package queuestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/dsa110/contimg-ingestd/internal/corelog"
	"github.com/dsa110/contimg-ingestd/internal/corerr"
	"github.com/dsa110/contimg-ingestd/internal/domain"
)

// CreateResult reports whether CreateOrTouch inserted a new row or found
// an existing one (§4.3).
type CreateResult int

const (
	Created CreateResult = iota
	Existed
)

type Stats struct {
	Collecting int64
	Pending    int64
	InProgress int64
	Completed  int64
	Failed     int64
}

// Store is the Queue Store contract from §4.3.
type Store interface {
	CreateOrTouch(ctx context.Context, groupID string, expectedSubbands int) (CreateResult, error)
	AddSubband(ctx context.Context, groupID string, idx int, path string, size int64) error
	CountSubbands(ctx context.Context, groupID string) (int, error)
	SetState(ctx context.Context, groupID string, next domain.GroupState, errMsg string) (domain.GroupState, error)
	ClaimOneReady(ctx context.Context, claimedBy string) (*domain.Group, error)
	FinishSuccess(ctx context.Context, groupID string) error
	FinishFailure(ctx context.Context, groupID string, cause error, maxRetries int, retryDelay time.Duration) error
	SetProcessingStage(ctx context.Context, groupID string, stage domain.ProcessingStage) error
	Get(ctx context.Context, groupID string) (*domain.Group, error)
	ListByState(ctx context.Context, state domain.GroupState, limit, offset int) ([]domain.Group, error)
	Stats(ctx context.Context) (Stats, error)
	ReapStuckClaims(ctx context.Context, olderThan time.Duration) (int, error)
	ResetToPending(ctx context.Context, groupID string) error
	RecordPointing(ctx context.Context, ts time.Time, raDeg, decDeg float64) error
	ListPointings(ctx context.Context, from, to time.Time) ([]domain.PointingSample, error)
}

type store struct {
	db  *gorm.DB
	log *corelog.Logger
	// mu serializes the whole claim-and-update sequence. SQLite already
	// serializes writers at the database level; this additionally
	// prevents two ClaimOneReady callers from racing inside the same
	// process between the SELECT and the UPDATE of a single transaction.
	mu sync.Mutex
}

func New(db *gorm.DB, log *corelog.Logger) Store {
	if log == nil {
		log = corelog.NewNop()
	}
	return &store{db: db, log: log.With("component", "queuestore")}
}

func (s *store) CreateOrTouch(ctx context.Context, groupID string, expectedSubbands int) (CreateResult, error) {
	now := time.Now()
	g := domain.Group{
		GroupID:          groupID,
		State:            domain.GroupCollecting,
		ProcessingStage:  domain.StageCollecting,
		ExpectedSubbands: expectedSubbands,
		ReceivedAt:       now,
		LastUpdate:       now,
	}
	res := s.db.WithContext(ctx).Where("group_id = ?", groupID).FirstOrCreate(&g)
	if res.Error != nil {
		return Existed, corerr.New(corerr.KindStorage, "queuestore.CreateOrTouch", res.Error)
	}
	if res.RowsAffected > 0 {
		return Created, nil
	}
	return Existed, nil
}

// AddSubband is idempotent on conflict: last-write-wins for a repeated
// (group_id, subband_idx) pair (§4.2 tie-break rule).
func (s *store) AddSubband(ctx context.Context, groupID string, idx int, path string, size int64) error {
	sf := domain.SubbandFile{GroupID: groupID, SubbandIdx: idx, Path: path, SizeBytes: size, ArrivedAt: time.Now()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.SubbandFile
		err := tx.Where("group_id = ? AND subband_idx = ?", groupID, idx).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&sf).Error
		case err != nil:
			return err
		default:
			return tx.Model(&domain.SubbandFile{}).
				Where("group_id = ? AND subband_idx = ?", groupID, idx).
				Updates(map[string]any{"path": path, "size_bytes": size, "arrived_at": sf.ArrivedAt}).Error
		}
	})
	if err != nil {
		return corerr.New(corerr.KindStorage, "queuestore.AddSubband", err)
	}
	return nil
}

func (s *store) CountSubbands(ctx context.Context, groupID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.SubbandFile{}).Where("group_id = ?", groupID).Count(&n).Error
	if err != nil {
		return 0, corerr.New(corerr.KindStorage, "queuestore.CountSubbands", err)
	}
	return int(n), nil
}

func (s *store) Get(ctx context.Context, groupID string) (*domain.Group, error) {
	var g domain.Group
	err := s.db.WithContext(ctx).Where("group_id = ?", groupID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, corerr.ErrNotFound
	}
	if err != nil {
		return nil, corerr.New(corerr.KindStorage, "queuestore.Get", err)
	}
	return &g, nil
}

func (s *store) SetState(ctx context.Context, groupID string, next domain.GroupState, errMsg string) (domain.GroupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev domain.GroupState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g domain.Group
		if err := tx.Where("group_id = ?", groupID).First(&g).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return corerr.ErrNotFound
			}
			return err
		}
		prev = g.State
		if !g.State.CanTransitionTo(next) {
			return corerr.New(corerr.KindValidation, "queuestore.SetState",
				corerr.ErrInvalidState)
		}
		updates := map[string]any{"state": next, "last_update": time.Now()}
		if errMsg != "" {
			updates["error_message"] = errMsg
		}
		if next == domain.GroupCompleted {
			now := time.Now()
			updates["completed_at"] = &now
		}
		if next == domain.GroupPending {
			updates["next_retry_at"] = time.Time{}
		}
		return tx.Model(&domain.Group{}).Where("group_id = ?", groupID).Updates(updates).Error
	})
	if err != nil {
		return prev, err
	}
	return prev, nil
}

// ClaimOneReady selects the oldest pending group and transitions it to
// in_progress within a single transaction guarded by s.mu, giving SQLite's
// single-writer model the same linearizability the teacher's Postgres
// SKIP LOCKED claim gives concurrent writers.
func (s *store) ClaimOneReady(ctx context.Context, claimedBy string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed *domain.Group
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var g domain.Group
		err := tx.Where("state = ? AND next_retry_at <= ?", domain.GroupPending, now).
			Order("received_at ASC").
			First(&g).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// processing_stage is left untouched here: the scheduler sets the
		// first pipeline stage on a group's initial claim, and a retried
		// group resumes at the stage it failed on (§4.4) rather than
		// restarting at convert.
		res := tx.Model(&domain.Group{}).
			Where("group_id = ? AND state = ?", g.GroupID, domain.GroupPending).
			Updates(map[string]any{
				"state":       domain.GroupInProgress,
				"started_at":  &now,
				"last_update": now,
				"claimed_by":  claimedBy,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		g.State = domain.GroupInProgress
		g.StartedAt = &now
		g.ClaimedBy = claimedBy
		claimed = &g
		return nil
	})
	if err != nil {
		return nil, corerr.New(corerr.KindStorage, "queuestore.ClaimOneReady", err)
	}
	return claimed, nil
}

func (s *store) SetProcessingStage(ctx context.Context, groupID string, stage domain.ProcessingStage) error {
	err := s.db.WithContext(ctx).Model(&domain.Group{}).
		Where("group_id = ?", groupID).
		Updates(map[string]any{"processing_stage": stage, "last_update": time.Now()}).Error
	if err != nil {
		return corerr.New(corerr.KindStorage, "queuestore.SetProcessingStage", err)
	}
	return nil
}

func (s *store) FinishSuccess(ctx context.Context, groupID string) error {
	_, err := s.SetState(ctx, groupID, domain.GroupCompleted, "")
	return err
}

// FinishFailure increments retry_count; if retries remain, the group
// returns to pending (to be re-claimed at its failed stage), otherwise it
// is marked failed (§4.3, §4.4).
func (s *store) FinishFailure(ctx context.Context, groupID string, cause error, maxRetries int, retryDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g domain.Group
		if err := tx.Where("group_id = ?", groupID).First(&g).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return corerr.ErrNotFound
			}
			return err
		}
		retries := g.RetryCount + 1
		next := domain.GroupPending
		if retries > maxRetries {
			next = domain.GroupFailed
		}
		if !g.State.CanTransitionTo(next) {
			return corerr.New(corerr.KindValidation, "queuestore.FinishFailure", corerr.ErrInvalidState)
		}
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		updates := map[string]any{
			"state":         next,
			"retry_count":   retries,
			"error_message": msg,
			"last_update":   time.Now(),
		}
		if next == domain.GroupPending {
			updates["next_retry_at"] = time.Now().Add(retryDelay)
		}
		return tx.Model(&domain.Group{}).Where("group_id = ?", groupID).Updates(updates).Error
	})
}

func (s *store) ListByState(ctx context.Context, state domain.GroupState, limit, offset int) ([]domain.Group, error) {
	var groups []domain.Group
	q := s.db.WithContext(ctx).Where("state = ?", state).Order("received_at ASC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&groups).Error; err != nil {
		return nil, corerr.New(corerr.KindStorage, "queuestore.ListByState", err)
	}
	return groups, nil
}

func (s *store) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	counts := []struct {
		state domain.GroupState
		dest  *int64
	}{
		{domain.GroupCollecting, &out.Collecting},
		{domain.GroupPending, &out.Pending},
		{domain.GroupInProgress, &out.InProgress},
		{domain.GroupCompleted, &out.Completed},
		{domain.GroupFailed, &out.Failed},
	}
	for _, c := range counts {
		if err := s.db.WithContext(ctx).Model(&domain.Group{}).Where("state = ?", c.state).Count(c.dest).Error; err != nil {
			return out, corerr.New(corerr.KindStorage, "queuestore.Stats", err)
		}
	}
	return out, nil
}

// ReapStuckClaims returns in_progress groups whose last_update predates
// olderThan back to pending with retry_count incremented, recovering work
// orphaned by a crash (§4.4 restart reaper).
func (s *store) ReapStuckClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&domain.Group{}).
		Where("state = ? AND last_update < ?", domain.GroupInProgress, cutoff).
		Updates(map[string]any{
			"state":       domain.GroupPending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"claimed_by":  "",
			"last_update": time.Now(),
		})
	if res.Error != nil {
		return 0, corerr.New(corerr.KindStorage, "queuestore.ReapStuckClaims", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ResetToPending is the control plane's administrative reset of a failed
// group (§4.6 `POST /groups/{id}/reset`).
func (s *store) ResetToPending(ctx context.Context, groupID string) error {
	g, err := s.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.State != domain.GroupFailed {
		return corerr.New(corerr.KindValidation, "queuestore.ResetToPending", corerr.ErrInvalidState)
	}
	_, err = s.SetState(ctx, groupID, domain.GroupPending, "")
	return err
}

// RecordPointing appends a telescope boresight sample to pointing_history.
// Append-only: no update path exists for a recorded sample.
func (s *store) RecordPointing(ctx context.Context, ts time.Time, raDeg, decDeg float64) error {
	p := domain.PointingSample{Timestamp: ts, RADeg: raDeg, DecDeg: decDeg}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return corerr.New(corerr.KindStorage, "queuestore.RecordPointing", err)
	}
	return nil
}

// ListPointings returns samples in [from, to], ordered by timestamp, for the
// control plane's group-detail view of where the telescope pointed during a
// group's collection window.
func (s *store) ListPointings(ctx context.Context, from, to time.Time) ([]domain.PointingSample, error) {
	var out []domain.PointingSample
	err := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", from, to).
		Order("timestamp ASC").
		Find(&out).Error
	if err != nil {
		return nil, corerr.New(corerr.KindStorage, "queuestore.ListPointings", err)
	}
	return out, nil
}
