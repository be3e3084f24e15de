// Package domain defines the core entities of the ingest pipeline: the
// Group aggregate that collects subband files until it is complete, the
// SubbandFile records the watcher discovers, and the ProductInstance rows
// the registry promotes into the durable product tier. These are the GORM
// models backing internal/queuestore and internal/registry.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// GroupState is the lifecycle of a Group aggregate (spec data model §3).
type GroupState string

const (
	GroupCollecting GroupState = "collecting"
	GroupPending    GroupState = "pending"
	GroupInProgress GroupState = "in_progress"
	GroupCompleted  GroupState = "completed"
	GroupFailed     GroupState = "failed"
)

// ProcessingStage is the pipeline position of an in_progress group.
type ProcessingStage string

const (
	StageCollecting ProcessingStage = "collecting"
	StageQueued     ProcessingStage = "queued"
	StageConvert    ProcessingStage = "converting"
	StageFlag       ProcessingStage = "flagging"
	StageCalibrate  ProcessingStage = "calibrating"
	StageApply      ProcessingStage = "applying"
	StageImage      ProcessingStage = "imaging"
	StageMosaic     ProcessingStage = "mosaicing"
	StageDone       ProcessingStage = "done"
)

// StageOrder is the fixed sequence a group's stages execute in (§4.4).
var StageOrder = []ProcessingStage{
	StageConvert, StageFlag, StageCalibrate, StageApply, StageImage, StageMosaic,
}

func NextStage(cur ProcessingStage) (ProcessingStage, bool) {
	for i, s := range StageOrder {
		if s == cur && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return StageDone, cur == StageMosaic
}

// groupTransitions enumerates the valid state-machine edges from §4.3;
// SetState rejects any edge not listed here.
var groupTransitions = map[GroupState][]GroupState{
	GroupCollecting: {GroupPending, GroupFailed},
	GroupPending:    {GroupInProgress, GroupFailed},
	GroupInProgress: {GroupCompleted, GroupFailed, GroupPending},
	GroupCompleted:  {},
	GroupFailed:     {GroupPending}, // administrative reset via control plane
}

func (s GroupState) CanTransitionTo(next GroupState) bool {
	for _, ok := range groupTransitions[s] {
		if ok == next {
			return true
		}
	}
	return false
}

func (s GroupState) Terminal() bool {
	return s == GroupCompleted || s == GroupFailed
}

// Group is one observation epoch: the unit of work assembled from subband
// files and advanced through the pipeline stages by the scheduler.
type Group struct {
	GroupID          string          `gorm:"primaryKey;column:group_id" json:"group_id"`
	State            GroupState      `gorm:"index" json:"state"`
	ProcessingStage  ProcessingStage `json:"processing_stage"`
	ExpectedSubbands int             `json:"expected_subbands"`
	ReceivedAt       time.Time       `json:"received_at"`
	LastUpdate       time.Time       `json:"last_update"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	RetryCount       int             `json:"retry_count"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CheckpointPath   string          `json:"checkpoint_path,omitempty"`
	HasCalibrator    bool            `json:"has_calibrator,omitempty"`
	Calibrators      datatypes.JSON  `json:"calibrators,omitempty"`
	ClaimedBy        string          `json:"claimed_by,omitempty"`
	NextRetryAt      time.Time       `json:"next_retry_at,omitempty"`
}

func (Group) TableName() string { return "groups" }

// SubbandFile is a single input file belonging to a Group, keyed by the
// composite (group_id, subband_idx) the watcher's filename grammar yields.
type SubbandFile struct {
	GroupID    string    `gorm:"primaryKey;column:group_id" json:"group_id"`
	SubbandIdx int       `gorm:"primaryKey;column:subband_idx" json:"subband_idx"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ArrivedAt  time.Time `json:"arrived_at"`
}

func (SubbandFile) TableName() string { return "subband_files" }

// ProductDataType enumerates the kinds of artifact the registry tracks.
type ProductDataType string

const (
	DataTypeMS      ProductDataType = "ms"
	DataTypeCalTable ProductDataType = "caltable"
	DataTypeImage   ProductDataType = "image"
	DataTypeMosaic  ProductDataType = "mosaic"
)

// ProductStatus is the lifecycle of a registered artifact (§3, §4.5).
type ProductStatus string

const (
	ProductStaging             ProductStatus = "staging"
	ProductPublishing          ProductStatus = "publishing"
	ProductPublished           ProductStatus = "published"
	ProductFailedPublish       ProductStatus = "failed_publish"
	ProductMaxAttemptsExceeded ProductStatus = "max_attempts_exceeded"
)

var productTransitions = map[ProductStatus][]ProductStatus{
	ProductStaging:             {ProductPublishing},
	ProductPublishing:          {ProductPublished, ProductFailedPublish},
	ProductFailedPublish:       {ProductPublishing, ProductMaxAttemptsExceeded},
	ProductPublished:           {},
	ProductMaxAttemptsExceeded: {},
}

func (s ProductStatus) CanTransitionTo(next ProductStatus) bool {
	for _, ok := range productTransitions[s] {
		if ok == next {
			return true
		}
	}
	return false
}

// FinalizationStatus tracks whether a product has passed QA/validation and
// is eligible for publish.
type FinalizationStatus string

const (
	FinalizationPending  FinalizationStatus = "pending"
	FinalizationFinalized FinalizationStatus = "finalized"
)

// ProductInstance is any durable artifact the core has registered, staged
// by a pipeline run and destined for the durable product tier via an
// atomic rename (or copy+rename+unlink) promotion.
type ProductInstance struct {
	DataID             string              `gorm:"primaryKey;column:data_id" json:"data_id"`
	DataType           ProductDataType     `json:"data_type"`
	GroupID            string              `gorm:"index" json:"group_id"`
	Status             ProductStatus       `gorm:"index" json:"status"`
	FinalizationStatus FinalizationStatus  `json:"finalization_status"`
	QAStatus           string              `json:"qa_status,omitempty"`
	ValidationStatus   string              `json:"validation_status,omitempty"`
	StagePath          string              `json:"stage_path,omitempty"`
	PublishedPath      string              `json:"published_path,omitempty"`
	AutoPublish        bool                `json:"auto_publish"`
	PublishAttempts    int                 `json:"publish_attempts"`
	PublishError       string              `json:"publish_error,omitempty"`
	Metadata           datatypes.JSON      `json:"metadata,omitempty"`
	StagedAt           time.Time           `json:"staged_at"`
	PublishedAt        *time.Time          `json:"published_at,omitempty"`
}

func (ProductInstance) TableName() string { return "products" }

func (p *ProductInstance) AttemptsExhausted(max int) bool {
	return max > 0 && p.PublishAttempts >= max
}

// PointingSample is a telescope boresight sample: timestamp → (RA, Dec).
// Append-only time series, persisted in the `pointing_history` table.
type PointingSample struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
	RADeg      float64   `json:"ra_deg"`
	DecDeg     float64   `json:"dec_deg"`
}

func (PointingSample) TableName() string { return "pointing_history" }
