package models

import "time"

// ArtifactKind identifies what a stage produced.
type ArtifactKind string

const (
	ArtifactMaterial ArtifactKind = "material"
	ArtifactAnalysis ArtifactKind = "analysis"
	ArtifactTos      ArtifactKind = "tos"
	ArtifactQuiz     ArtifactKind = "quiz"
	ArtifactFeedback ArtifactKind = "feedback"
	ArtifactUnit     ArtifactKind = "unit"
)

// GeneratedArtifact stores the validated JSON output of a stage.
type GeneratedArtifact struct {
	ID            string       `gorm:"primaryKey;size:64" json:"id"`
	Kind          ArtifactKind `gorm:"size:20;not null;index" json:"kind"`
	CorrelationID string       `gorm:"size:64;index" json:"correlation_id"`
	// Set on regenerated units.
	ParentID  string    `gorm:"size:64;index" json:"parent_id,omitempty"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (GeneratedArtifact) TableName() string { return "generated_artifacts" }
