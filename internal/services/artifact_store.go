package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/huangang/quizforge/internal/models"
	"gorm.io/gorm"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore persists stage outputs.
type ArtifactStore interface {
	Save(ctx context.Context, artifact *models.GeneratedArtifact) error
	Get(ctx context.Context, id string) (*models.GeneratedArtifact, error)
	// Find returns the run's artifact of kind or ErrArtifactNotFound.
	Find(ctx context.Context, kind models.ArtifactKind, correlationID string) (*models.GeneratedArtifact, error)
	Children(ctx context.Context, parentID string) ([]models.GeneratedArtifact, error)
}

// MaterialSource supplies the course material a pipeline run analyzes.
type MaterialSource interface {
	Material(ctx context.Context, correlationID string) (string, error)
}

// GormArtifactStore is the default ArtifactStore.
type GormArtifactStore struct {
	db *gorm.DB
}

func NewGormArtifactStore(db *gorm.DB) *GormArtifactStore {
	return &GormArtifactStore{db: db}
}

// Save assigns an id when the artifact has none.
func (s *GormArtifactStore) Save(ctx context.Context, artifact *models.GeneratedArtifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("save %s artifact: %w", artifact.Kind, err)
	}
	return nil
}

func (s *GormArtifactStore) Get(ctx context.Context, id string) (*models.GeneratedArtifact, error) {
	var artifact models.GeneratedArtifact
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Find returns the earliest artifact of kind saved for the run.
func (s *GormArtifactStore) Find(ctx context.Context, kind models.ArtifactKind, correlationID string) (*models.GeneratedArtifact, error) {
	var artifact models.GeneratedArtifact
	err := s.db.WithContext(ctx).
		Where("kind = ? AND correlation_id = ?", kind, correlationID).
		Order("created_at ASC").
		First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (s *GormArtifactStore) Children(ctx context.Context, parentID string) ([]models.GeneratedArtifact, error) {
	var artifacts []models.GeneratedArtifact
	err := s.db.WithContext(ctx).Where("parent_id = ?", parentID).Order("created_at ASC").Find(&artifacts).Error
	return artifacts, err
}

// Material reads the material artifact saved when the run started.
func (s *GormArtifactStore) Material(ctx context.Context, correlationID string) (string, error) {
	artifact, err := s.Find(ctx, models.ArtifactMaterial, correlationID)
	if errors.Is(err, ErrArtifactNotFound) {
		return "", fmt.Errorf("material for %s: %w", correlationID, err)
	}
	if err != nil {
		return "", err
	}
	return artifact.Body, nil
}
