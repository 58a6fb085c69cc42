package models

import "time"

// PipelineStage is the single authoritative position of a correlation id in the pipeline.
type PipelineStage string

const (
	StagePending           PipelineStage = "pending"
	StageAnalyzed          PipelineStage = "analyzed"
	StageTosGenerated      PipelineStage = "tos_generated"
	StageQuizGenerated     PipelineStage = "quiz_generated"
	StageFeedbackGenerated PipelineStage = "feedback_generated"
	StageFailed            PipelineStage = "failed"
)

// Terminal reports whether no further transition is possible.
func (s PipelineStage) Terminal() bool {
	return s == StageFeedbackGenerated || s == StageFailed
}

// PipelineState tracks one pipeline run. Version is bumped on every transition
// and transitions are compare-and-swap on it.
type PipelineState struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	CorrelationID string        `gorm:"size:64;uniqueIndex;not null" json:"correlation_id"`
	Caller        string        `gorm:"size:100;index" json:"caller"`
	Model         string        `gorm:"size:100" json:"model"`
	Stage         PipelineStage `gorm:"size:30;not null;index" json:"stage"`
	FailedStage   string        `gorm:"size:30" json:"failed_stage,omitempty"`
	ErrorCategory string        `gorm:"size:50" json:"error_category,omitempty"`
	ErrorMessage  string        `gorm:"size:500" json:"error_message,omitempty"`
	// JSON array of learning outcomes supplied with the start request.
	Outcomes    string    `gorm:"type:text" json:"-"`
	AnalysisID  string    `gorm:"size:64" json:"analysis_id,omitempty"`
	TosID       string    `gorm:"size:64" json:"tos_id,omitempty"`
	QuizID      string    `gorm:"size:64" json:"quiz_id,omitempty"`
	FeedbackID  string    `gorm:"size:64" json:"feedback_id,omitempty"`
	Version     int       `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (PipelineState) TableName() string { return "pipeline_states" }
