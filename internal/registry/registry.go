// Package registry is the Product Registry (C5): tracks every produced
// artifact and manages the staging -> publishing -> published lifecycle,
// including the atomic cross-filesystem promotion algorithm from §4.5.
// The repository shape and guarded state-transition pattern (persist,
// then check durable result before mutating) follow the teacher's
// internal/repos style and internal/jobs/runtime.Context.UpdateFieldsUnlessStatus.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dsa110/contimg-ingestd/internal/corelog"
	"github.com/dsa110/contimg-ingestd/internal/corerr"
	"github.com/dsa110/contimg-ingestd/internal/domain"
	"github.com/dsa110/contimg-ingestd/internal/eventhub"
)

// PublishResult is the outcome of a single Publish attempt (§4.5).
type PublishResult struct {
	DataID        string
	Published     bool
	PublishedPath string
	Error         string
}

// PolicyFunc computes the durable-tier destination path for an artifact.
type PolicyFunc func(dataType domain.ProductDataType, metadata map[string]any) string

// Registry is the Product Registry contract (§4.5).
type Registry interface {
	Register(ctx context.Context, groupID string, dataType domain.ProductDataType, stagePath string, metadata map[string]any) (string, error)
	Finalize(ctx context.Context, dataID, qaStatus, validationStatus string) (*domain.ProductInstance, error)
	Publish(ctx context.Context, dataID string) (PublishResult, error)
	SetAutoPublish(ctx context.Context, dataID string, auto bool) error
	Get(ctx context.Context, dataID string) (*domain.ProductInstance, error)
	ListFailed(ctx context.Context, minAttempts, limit int) ([]domain.ProductInstance, error)
	Retry(ctx context.Context, dataID string) (PublishResult, error)
	RetryAll(ctx context.Context, limit int) ([]PublishResult, error)
	ListByFilter(ctx context.Context, state, dataType string, limit int) ([]domain.ProductInstance, error)
}

type registry struct {
	db          *gorm.DB
	log         *corelog.Logger
	hub         *eventhub.Hub
	policy      PolicyFunc
	maxAttempts int
}

func New(db *gorm.DB, log *corelog.Logger, hub *eventhub.Hub, policy PolicyFunc, maxAttempts int) Registry {
	if log == nil {
		log = corelog.NewNop()
	}
	if policy == nil {
		policy = DefaultPolicy("")
	}
	return &registry{db: db, log: log.With("component", "registry"), hub: hub, policy: policy, maxAttempts: maxAttempts}
}

// DefaultPolicy lays artifacts out under root/<data_type>/<data_id>.
func DefaultPolicy(root string) PolicyFunc {
	return func(dataType domain.ProductDataType, metadata map[string]any) string {
		name := uuid.NewString()
		if id, ok := metadata["data_id"].(string); ok && id != "" {
			name = filepath.Base(id)
		}
		return filepath.Join(root, string(dataType), name)
	}
}

func (r *registry) Register(ctx context.Context, groupID string, dataType domain.ProductDataType, stagePath string, metadata map[string]any) (string, error) {
	dataID := uuid.NewString()
	var metaJSON datatypes.JSON
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", corerr.New(corerr.KindValidation, "registry.Register", err)
		}
		metaJSON = raw
	}
	p := domain.ProductInstance{
		DataID:             dataID,
		DataType:           dataType,
		GroupID:            groupID,
		Status:             domain.ProductStaging,
		FinalizationStatus: domain.FinalizationPending,
		StagePath:          stagePath,
		Metadata:           metaJSON,
		StagedAt:           time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
		return "", corerr.New(corerr.KindStorage, "registry.Register", err)
	}
	r.publish(dataID, eventhub.EventProductStaged, map[string]any{"data_type": string(dataType)})
	return dataID, nil
}

func (r *registry) Get(ctx context.Context, dataID string) (*domain.ProductInstance, error) {
	var p domain.ProductInstance
	if err := r.db.WithContext(ctx).Where("data_id = ?", dataID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, corerr.ErrNotFound
		}
		return nil, corerr.New(corerr.KindStorage, "registry.Get", err)
	}
	return &p, nil
}

func (r *registry) Finalize(ctx context.Context, dataID, qaStatus, validationStatus string) (*domain.ProductInstance, error) {
	p, err := r.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{
		"finalization_status": domain.FinalizationFinalized,
		"qa_status":           qaStatus,
		"validation_status":   validationStatus,
	}
	if err := r.db.WithContext(ctx).Model(&domain.ProductInstance{}).Where("data_id = ?", dataID).Updates(updates).Error; err != nil {
		return nil, corerr.New(corerr.KindStorage, "registry.Finalize", err)
	}
	p.FinalizationStatus = domain.FinalizationFinalized
	p.QAStatus = qaStatus
	p.ValidationStatus = validationStatus

	if p.AutoPublish {
		if res, err := r.Publish(ctx, dataID); err != nil || !res.Published {
			r.log.Warn("auto-publish after finalize failed", "data_id", dataID, "error", err, "result_error", res.Error)
		}
	}
	return p, nil
}

func (r *registry) SetAutoPublish(ctx context.Context, dataID string, auto bool) error {
	err := r.db.WithContext(ctx).Model(&domain.ProductInstance{}).Where("data_id = ?", dataID).Update("auto_publish", auto).Error
	if err != nil {
		return corerr.New(corerr.KindStorage, "registry.SetAutoPublish", err)
	}
	return nil
}

// Publish implements the atomic promotion algorithm in §4.5: precondition
// check, rename (same-filesystem fast path), copy+rename+unlink fallback
// across filesystems, with size verification and cleanup on any failure.
func (r *registry) Publish(ctx context.Context, dataID string) (PublishResult, error) {
	p, err := r.Get(ctx, dataID)
	if err != nil {
		return PublishResult{}, err
	}
	if p.Status == domain.ProductPublished {
		// Already published: re-publishing is a no-op success, not a
		// conflict (§8 idempotency property).
		return PublishResult{DataID: dataID, Published: true, PublishedPath: p.PublishedPath}, nil
	}
	if p.Status != domain.ProductStaging || p.FinalizationStatus != domain.FinalizationFinalized {
		return PublishResult{}, corerr.New(corerr.KindValidation, "registry.Publish", corerr.ErrInvalidState)
	}
	if _, statErr := os.Stat(p.StagePath); statErr != nil {
		return r.recordFailure(ctx, p, fmt.Errorf("source missing: %w", statErr))
	}

	if err := r.transition(ctx, dataID, domain.ProductPublishing, nil); err != nil {
		return PublishResult{}, err
	}

	dest := r.policy(p.DataType, map[string]any{"data_id": dataID})
	published, pubErr := r.promote(p.StagePath, dest)
	if pubErr != nil {
		return r.recordFailure(ctx, p, pubErr)
	}

	now := time.Now()
	err = r.db.WithContext(ctx).Model(&domain.ProductInstance{}).Where("data_id = ?", dataID).Updates(map[string]any{
		"status":         domain.ProductPublished,
		"published_path": published,
		"published_at":   &now,
	}).Error
	if err != nil {
		return PublishResult{}, corerr.New(corerr.KindStorage, "registry.Publish", err)
	}
	r.publish(dataID, eventhub.EventProductPublished, map[string]any{"published_path": published})
	return PublishResult{DataID: dataID, Published: true, PublishedPath: published}, nil
}

// promote moves src to dest, preferring an atomic same-filesystem rename
// and falling back to copy-then-rename-then-unlink when rename fails
// because src and dest cross a filesystem boundary (§4.5 steps 3-3d).
func (r *registry) promote(src, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("mkdir dest dir: %w", err)
	}
	if err := os.Rename(src, dest); err == nil {
		return dest, nil
	}

	tmp := fmt.Sprintf("%s.tmp.%s", dest, uuid.NewString())
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if copyErr := copyFile(src, tmp); copyErr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("copy to tmp: %w", copyErr)
	}
	tmpInfo, err := os.Stat(tmp)
	if err != nil || tmpInfo.Size() != srcInfo.Size() {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("size mismatch after copy: src=%d tmp_stat_err=%v", srcInfo.Size(), err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename tmp to dest: %w", err)
	}
	if err := os.Remove(src); err != nil {
		r.log.Warn("promote: unlink source failed after successful copy", "src", src, "error", err)
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func (r *registry) recordFailure(ctx context.Context, p *domain.ProductInstance, cause error) (PublishResult, error) {
	attempts := p.PublishAttempts + 1
	status := domain.ProductFailedPublish
	if p.AttemptsExhausted(r.maxAttempts) || attempts >= r.maxAttempts {
		status = domain.ProductMaxAttemptsExceeded
	}
	err := r.db.WithContext(ctx).Model(&domain.ProductInstance{}).Where("data_id = ?", p.DataID).Updates(map[string]any{
		"status":           status,
		"publish_attempts": attempts,
		"publish_error":    cause.Error(),
	}).Error
	if err != nil {
		return PublishResult{}, corerr.New(corerr.KindStorage, "registry.recordFailure", err)
	}
	r.publish(p.DataID, eventhub.EventProductPublishFailed, map[string]any{"error": cause.Error(), "attempts": attempts})
	return PublishResult{DataID: p.DataID, Published: false, Error: cause.Error()}, nil
}

func (r *registry) transition(ctx context.Context, dataID string, next domain.ProductStatus, extra map[string]any) error {
	p, err := r.Get(ctx, dataID)
	if err != nil {
		return err
	}
	if !p.Status.CanTransitionTo(next) {
		return corerr.New(corerr.KindValidation, "registry.transition", corerr.ErrInvalidState)
	}
	updates := map[string]any{"status": next}
	for k, v := range extra {
		updates[k] = v
	}
	if err := r.db.WithContext(ctx).Model(&domain.ProductInstance{}).Where("data_id = ?", dataID).Updates(updates).Error; err != nil {
		return corerr.New(corerr.KindStorage, "registry.transition", err)
	}
	return nil
}

func (r *registry) ListFailed(ctx context.Context, minAttempts, limit int) ([]domain.ProductInstance, error) {
	var out []domain.ProductInstance
	q := r.db.WithContext(ctx).
		Where("status = ? AND publish_attempts >= ?", domain.ProductFailedPublish, minAttempts).
		Order("staged_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, corerr.New(corerr.KindStorage, "registry.ListFailed", err)
	}
	return out, nil
}

func (r *registry) Retry(ctx context.Context, dataID string) (PublishResult, error) {
	p, err := r.Get(ctx, dataID)
	if err != nil {
		return PublishResult{}, err
	}
	if p.Status != domain.ProductFailedPublish {
		return PublishResult{}, corerr.New(corerr.KindValidation, "registry.Retry", corerr.ErrInvalidState)
	}
	if err := r.db.WithContext(ctx).Model(&domain.ProductInstance{}).Where("data_id = ?", dataID).
		Update("status", domain.ProductStaging).Error; err != nil {
		return PublishResult{}, corerr.New(corerr.KindStorage, "registry.Retry", err)
	}
	return r.Publish(ctx, dataID)
}

func (r *registry) RetryAll(ctx context.Context, limit int) ([]PublishResult, error) {
	failed, err := r.ListFailed(ctx, 0, limit)
	if err != nil {
		return nil, err
	}
	results := make([]PublishResult, 0, len(failed))
	for _, p := range failed {
		res, err := r.Retry(ctx, p.DataID)
		if err != nil {
			res = PublishResult{DataID: p.DataID, Error: err.Error()}
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *registry) ListByFilter(ctx context.Context, state, dataType string, limit int) ([]domain.ProductInstance, error) {
	var out []domain.ProductInstance
	q := r.db.WithContext(ctx)
	if state != "" {
		q = q.Where("status = ?", state)
	}
	if dataType != "" {
		q = q.Where("data_type = ?", dataType)
	}
	q = q.Order("staged_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, corerr.New(corerr.KindStorage, "registry.ListByFilter", err)
	}
	return out, nil
}

func (r *registry) publish(dataID string, t eventhub.EventType, data map[string]any) {
	if r.hub == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["data_id"] = dataID
	r.hub.Publish(eventhub.Event{Channel: "products", Type: t, Data: data})
}
