package hashnode

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
	DefaultEndpoint = "https://gql.hashnode.com/"

	PhaseCreateDraft  = "create_draft"
	PhasePublishDraft = "publish_draft"

	// ParamPublicationID overrides the publication stored on the credential.
	ParamPublicationID = "publication_id"
)

const createDraftMutation = `mutation CreateDraft($input: CreateDraftInput!) {
  createDraft(input: $input) {
    draft {
      id
      slug
      title
    }
  }
}`

const publishDraftMutation = `mutation PublishDraft($input: PublishDraftInput!) {
  publishDraft(input: $input) {
    post {
      id
      slug
      title
      url
      publishedAt
    }
  }
}`

// HashnodePublisher publishes through the Hashnode GraphQL API by creating a
// draft and then publishing it.
type HashnodePublisher struct {
	logger   *zap.Logger
	client   *http.Client
	endpoint string
}

type Tag struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type CreateDraftInput struct {
	Title              string `json:"title"`
	ContentMarkdown    string `json:"contentMarkdown"`
	PublicationID      string `json:"publicationId"`
	Tags               []Tag  `json:"tags,omitempty"`
	OriginalArticleURL string `json:"originalArticleURL,omitempty"`
}

type PublishDraftInput struct {
	DraftID string `json:"draftId"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type createDraftData struct {
	CreateDraft *struct {
		Draft *struct {
			ID    string `json:"id"`
			Slug  string `json:"slug"`
			Title string `json:"title"`
		} `json:"draft"`
	} `json:"createDraft"`
}

type publishDraftData struct {
	PublishDraft *struct {
		Post *struct {
			ID          string     `json:"id"`
			Slug        string     `json:"slug"`
			Title       string     `json:"title"`
			URL         string     `json:"url"`
			PublishedAt *time.Time `json:"publishedAt"`
		} `json:"post"`
	} `json:"publishDraft"`
}

func NewHashnodePublisher(endpoint string, client *http.Client, logger *zap.Logger) *HashnodePublisher {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HashnodePublisher{
		logger:   logger,
		client:   client,
		endpoint: endpoint,
	}
}

func (p *HashnodePublisher) GetPlatformName() models.Platform {
	return models.PlatformHashnode
}

func (p *HashnodePublisher) Publish(ctx context.Context, cred publisher.Credential, article publisher.Article, params map[string]string) (*publisher.ExternalPost, error) {
	token := cred.APIKey
	if token == "" {
		token = cred.AccessToken
	}
	if token == "" {
		return nil, publisher.NewError(publisher.KindAuth, models.PlatformHashnode, PhaseCreateDraft, "personal access token is missing")
	}

	publicationID := params[ParamPublicationID]
	if publicationID == "" {
		publicationID = cred.DestinationID
	}
	if publicationID == "" {
		return nil, publisher.NewError(publisher.KindValidation, models.PlatformHashnode, PhaseCreateDraft, "publication id is required")
	}

	draftID, err := p.createDraft(ctx, token, CreateDraftInput{
		Title:              article.Title,
		ContentMarkdown:    article.MarkdownBody,
		PublicationID:      publicationID,
		Tags:               FormatTags(article.Tags),
		OriginalArticleURL: article.CanonicalURL,
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Hashnode draft created",
		zap.String("draft_id", draftID),
		zap.String("title", article.Title))

	post, err := p.publishDraft(ctx, token, draftID)
	if err != nil {
		p.logger.Error("Hashnode draft left unpublished",
			zap.String("draft_id", draftID),
			zap.Error(err))
		return nil, err
	}

	p.logger.Info("Hashnode post published",
		zap.String("id", post.ID),
		zap.String("url", post.URL))

	return post, nil
}

func (p *HashnodePublisher) createDraft(ctx context.Context, token string, input CreateDraftInput) (string, error) {
	resp, err := p.do(ctx, token, createDraftMutation, input)
	if err != nil {
		return "", classify(PhaseCreateDraft, err)
	}

	var data createDraftData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return "", publisher.NewError(publisher.KindProtocol, models.PlatformHashnode, PhaseCreateDraft, "failed to parse draft response")
		}
	}
	if data.CreateDraft == nil || data.CreateDraft.Draft == nil || data.CreateDraft.Draft.ID == "" {
		// Retrying here could leave a duplicate draft behind.
		return "", publisher.NewError(publisher.KindProtocol, models.PlatformHashnode, PhaseCreateDraft, "draft id missing from response")
	}
	return data.CreateDraft.Draft.ID, nil
}

func (p *HashnodePublisher) publishDraft(ctx context.Context, token, draftID string) (*publisher.ExternalPost, error) {
	resp, err := p.do(ctx, token, publishDraftMutation, PublishDraftInput{DraftID: draftID})
	if err != nil {
		pubErr := classify(PhasePublishDraft, err)
		// The draft already exists, so a retry of the whole job would duplicate it.
		if pubErr.Kind != publisher.KindAuth {
			pubErr.Kind = publisher.KindProtocol
		}
		return nil, pubErr.WithDetail("draft_id", draftID)
	}

	var data publishDraftData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, publisher.NewError(publisher.KindProtocol, models.PlatformHashnode, PhasePublishDraft, "failed to parse publish response").
				WithDetail("draft_id", draftID)
		}
	}
	if data.PublishDraft == nil || data.PublishDraft.Post == nil {
		return nil, publisher.NewError(publisher.KindProtocol, models.PlatformHashnode, PhasePublishDraft, "post missing from response").
			WithDetail("draft_id", draftID)
	}

	post := data.PublishDraft.Post
	return &publisher.ExternalPost{
		ID:          post.ID,
		URL:         post.URL,
		PublishedAt: post.PublishedAt,
	}, nil
}

// do sends one GraphQL operation and returns the decoded envelope. HTTP and
// GraphQL level failures come back as *publisher.Error without a phase.
func (p *HashnodePublisher) do(ctx context.Context, token, query string, input any) (*graphQLResponse, error) {
	jsonData, err := json.Marshal(graphQLRequest{
		Query:     query,
		Variables: map[string]any{"input": input},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, publisher.FromTransport(models.PlatformHashnode, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, publisher.FromTransport(models.PlatformHashnode, "", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("Hashnode API error",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_body", util.TruncateBytes(string(body), 300)))
		return nil, publisher.FromResponse(models.PlatformHashnode, "", resp.StatusCode, body)
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, publisher.NewError(publisher.KindProtocol, models.PlatformHashnode, "", "failed to parse graphql envelope").
			WithDetail("body", util.TruncateBytes(string(body), 300))
	}
	if len(envelope.Errors) > 0 {
		return nil, fromGraphQLErrors(envelope.Errors)
	}
	return &envelope, nil
}

func fromGraphQLErrors(errs []graphQLError) *publisher.Error {
	kind := publisher.KindProtocol
	messages := make([]string, 0, len(errs))
	codes := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
		if e.Extensions.Code != "" {
			codes = append(codes, e.Extensions.Code)
		}
		switch e.Extensions.Code {
		case "UNAUTHENTICATED", "FORBIDDEN":
			kind = publisher.KindAuth
		}
	}
	pubErr := publisher.NewError(kind, models.PlatformHashnode, "", strings.Join(messages, "; "))
	if len(codes) > 0 {
		pubErr.WithDetail("graphql_codes", codes)
	}
	return pubErr
}

// classify stamps the phase on an error from do, wrapping foreign errors as protocol failures.
func classify(phase string, err error) *publisher.Error {
	pubErr, ok := err.(*publisher.Error)
	if !ok {
		pubErr = &publisher.Error{Kind: publisher.KindProtocol, Platform: models.PlatformHashnode, Message: "request could not be built", Err: err}
	}
	pubErr.Phase = phase
	return pubErr
}

// FormatTags turns tag names into Hashnode tag objects.
func FormatTags(tags []string) []Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]Tag, 0, len(tags))
	for _, name := range tags {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, Tag{Slug: util.TagSlug(name), Name: name})
	}
	return out
}
