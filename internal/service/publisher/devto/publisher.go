package devto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/pkg/util"
)

const (
	DefaultBaseURL = "https://dev.to"
	// maxTags is the most tags dev.to accepts on an article.
	maxTags = 4
)

// DevToPublisher creates published articles through the dev.to REST API.
type DevToPublisher struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

type articleRequest struct {
	Article articlePayload `json:"article"`
}

type articlePayload struct {
	Title        string   `json:"title"`
	BodyMarkdown string   `json:"body_markdown"`
	Published    bool     `json:"published"`
	Tags         []string `json:"tags"`
	CanonicalURL string   `json:"canonical_url,omitempty"`
}

type articleResponse struct {
	ID          json.Number `json:"id"`
	URL         string      `json:"url"`
	PublishedAt *time.Time  `json:"published_at"`
}

func NewDevToPublisher(baseURL string, client *http.Client, logger *zap.Logger) *DevToPublisher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &DevToPublisher{
		logger:  logger,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (p *DevToPublisher) GetPlatformName() models.Platform {
	return models.PlatformDevTo
}

func (p *DevToPublisher) Publish(ctx context.Context, cred publisher.Credential, article publisher.Article, params map[string]string) (*publisher.ExternalPost, error) {
	if cred.APIKey == "" {
		return nil, publisher.NewError(publisher.KindAuth, models.PlatformDevTo, "create_article", "api key is missing")
	}

	payload := articleRequest{Article: articlePayload{
		Title:        article.Title,
		BodyMarkdown: article.MarkdownBody,
		Published:    true,
		Tags:         normalizeTags(article.Tags),
		CanonicalURL: article.CanonicalURL,
	}}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal article request: %w", err)
	}

	url := p.baseURL + "/api/articles"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.forem.api-v1+json")
	req.Header.Set("api-key", cred.APIKey)

	p.logger.Debug("Creating dev.to article",
		zap.String("url", url),
		zap.String("title", article.Title),
		zap.Strings("tags", payload.Article.Tags))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, publisher.FromTransport(models.PlatformDevTo, "create_article", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, publisher.FromTransport(models.PlatformDevTo, "create_article", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("dev.to API error",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", util.TruncateBytes(string(body), 300)))
		return nil, publisher.FromResponse(models.PlatformDevTo, "create_article", resp.StatusCode, body)
	}

	var created articleResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, publisher.NewError(publisher.KindProtocol, models.PlatformDevTo, "create_article", "failed to parse response").
			WithDetail("body", util.TruncateBytes(string(body), 300))
	}
	if created.ID.String() == "" {
		return nil, publisher.NewError(publisher.KindProtocol, models.PlatformDevTo, "create_article", "response has no article id")
	}

	p.logger.Info("dev.to article published",
		zap.String("id", created.ID.String()),
		zap.String("url", created.URL))

	return &publisher.ExternalPost{
		ID:          created.ID.String(),
		URL:         created.URL,
		PublishedAt: created.PublishedAt,
	}, nil
}

// normalizeTags lowercases, strips non-alphanumerics, drops empties and
// duplicates, and keeps at most maxTags.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, maxTags)
	seen := make(map[string]bool)
	for _, tag := range tags {
		clean := util.AlphanumericTag(tag)
		if clean == "" || seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
