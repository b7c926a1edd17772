package publisher

import (
	"context"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
)

// Article is the canonical content handed to every platform.
type Article struct {
	Title        string   `json:"title"`
	MarkdownBody string   `json:"markdown_body"`
	CanonicalURL string   `json:"canonical_url,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Credential is the subset of a stored platform connection an adapter needs.
type Credential struct {
	APIKey         string
	AccessToken    string
	DestinationID  string
	ExternalUserID string
}

// ExternalPost describes the post created on the remote platform.
type ExternalPost struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	// Synthetic is set by adapters that did not talk to a real platform.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Publisher is the uniform interface every platform adapter implements.
type Publisher interface {
	GetPlatformName() models.Platform
	Publish(ctx context.Context, cred Credential, article Article, params map[string]string) (*ExternalPost, error)
}

// FromPlatformCredential projects a stored credential into what adapters consume.
func FromPlatformCredential(cred *models.PlatformCredential) Credential {
	return Credential{
		APIKey:         cred.APIKey,
		AccessToken:    cred.AccessToken,
		DestinationID:  cred.PublicationID,
		ExternalUserID: cred.PlatformUserID,
	}
}

// FromPost builds the article for a post and the per-job overrides.
func FromPost(post *models.Post, canonicalURL string, tags []string) Article {
	return Article{
		Title:        post.Title,
		MarkdownBody: post.ContentMarkdown,
		CanonicalURL: canonicalURL,
		Tags:         tags,
	}
}
