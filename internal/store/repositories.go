package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

// PostRepository reads posts. Post content is written by another service.
type PostRepository struct {
	db *gorm.DB
}

func NewPostRepository(db *gorm.DB) *PostRepository {
	return &PostRepository{db: db}
}

// Get returns the post when it exists and belongs to userID, nil otherwise.
func (r *PostRepository) Get(ctx context.Context, postID, userID uint) (*models.Post, error) {
	var post models.Post
	err := r.db.WithContext(ctx).Where("id = ? AND author_id = ?", postID, userID).First(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return &post, nil
}

// CredentialRepository reads platform credentials.
type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Get returns the newest credential of userID for platform, nil when not connected.
func (r *CredentialRepository) Get(ctx context.Context, userID uint, platform models.Platform) (*models.PlatformCredential, error) {
	var cred models.PlatformCredential
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND platform_name = ?", userID, platform.String()).
		Order("id DESC").
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// ListByUser returns every credential of userID.
func (r *CredentialRepository) ListByUser(ctx context.Context, userID uint) ([]models.PlatformCredential, error) {
	creds := make([]models.PlatformCredential, 0)
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("platform_name ASC").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}
