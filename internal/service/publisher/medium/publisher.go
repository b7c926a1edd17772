package medium

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/pkg/util"
)

// stubPublishedAt is reported for every synthetic Medium post.
var stubPublishedAt = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// MediumPublisher stands in for the retired Medium publishing API. It never
// touches the network and marks every result as synthetic.
type MediumPublisher struct {
	logger *zap.Logger
}

func NewMediumPublisher(logger *zap.Logger) *MediumPublisher {
	return &MediumPublisher{logger: logger}
}

func (p *MediumPublisher) GetPlatformName() models.Platform {
	return models.PlatformMedium
}

func (p *MediumPublisher) Publish(ctx context.Context, cred publisher.Credential, article publisher.Article, params map[string]string) (*publisher.ExternalPost, error) {
	if err := ctx.Err(); err != nil {
		return nil, publisher.FromTransport(models.PlatformMedium, "publish", err)
	}

	user := cred.ExternalUserID
	if user == "" {
		user = "user"
	}

	publishedAt := stubPublishedAt
	post := &publisher.ExternalPost{
		ID:          StubID(article.Title),
		URL:         fmt.Sprintf("https://medium.com/@%s/%s", user, util.GenerateSlug(article.Title)),
		PublishedAt: &publishedAt,
		Synthetic:   true,
	}

	p.logger.Warn("Medium publish is synthetic, nothing was sent",
		zap.String("id", post.ID),
		zap.String("url", post.URL),
		zap.Int("content_length", len(article.MarkdownBody)),
		zap.String("tags", strings.Join(article.Tags, ",")))

	return post, nil
}

// StubID derives a stable id from the title.
func StubID(title string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(title))
	return fmt.Sprintf("mock_medium_id_%d", h.Sum32()%10000)
}
