package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// YouTubeConfig configures the video collector.
type YouTubeConfig struct {
	APIKey     string
	Queries    []string
	MaxResults int64
	Order      string
	Platform   string
	// Endpoint and HTTPClient override the API transport, mainly for tests.
	Endpoint   string
	HTTPClient *http.Client
}

// YouTube collects workflow videos and their engagement statistics.
type YouTube struct {
	cfg    YouTubeConfig
	filter *Filter
}

// NewYouTube creates a new YouTube collector.
func NewYouTube(cfg YouTubeConfig, filter *Filter) *YouTube {
	if len(cfg.Queries) == 0 {
		cfg.Queries = []string{"Best n8n workflows", "Most useful n8n workflows"}
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.Order == "" {
		cfg.Order = "viewCount"
	}
	if cfg.Platform == "" {
		cfg.Platform = "YouTube"
	}
	return &YouTube{cfg: cfg, filter: filter}
}

func (y *YouTube) Name() SourceType { return SourceVideo }

func (y *YouTube) Collect(ctx context.Context) ([]RawResult, error) {
	if y.cfg.APIKey == "" {
		return nil, fmt.Errorf("youtube: API key required (set YOUTUBE_API_KEY)")
	}

	opts := []option.ClientOption{option.WithAPIKey(y.cfg.APIKey)}
	if y.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(y.cfg.Endpoint))
	}
	if y.cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(y.cfg.HTTPClient))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}

	// Search each query, keeping first-seen order of video ids.
	seen := make(map[string]bool)
	var ids []string
	for _, query := range y.cfg.Queries {
		resp, err := svc.Search.List([]string{"id"}).
			Q(query).
			Type("video").
			Order(y.cfg.Order).
			MaxResults(y.cfg.MaxResults).
			Context(ctx).
			Do()
		if err != nil {
			slog.Warn("youtube search failed", "query", query, "error", err)
			continue
		}
		for _, item := range resp.Items {
			if item.Id == nil || item.Id.VideoId == "" || seen[item.Id.VideoId] {
				continue
			}
			seen[item.Id.VideoId] = true
			ids = append(ids, item.Id.VideoId)
		}
	}

	var results []RawResult
	for start := 0; start < len(ids); start += 50 {
		end := min(start+50, len(ids))

		resp, err := svc.Videos.List([]string{"snippet", "statistics"}).
			Id(ids[start:end]...).
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("fetch youtube statistics: %w", err)
		}

		for _, v := range resp.Items {
			if v.Snippet == nil || !y.filter.Allows(v.Snippet.Title) {
				continue
			}
			results = append(results, RawResult{
				"workflow":           v.Snippet.Title,
				"platform":           y.cfg.Platform,
				"popularity_metrics": videoMetrics(v.Statistics),
			})
		}
	}

	return results, nil
}

func videoMetrics(s *youtube.VideoStatistics) map[string]any {
	var views, likes, comments uint64
	if s != nil {
		views, likes, comments = s.ViewCount, s.LikeCount, s.CommentCount
	}

	likeRatio, commentRatio := 0.0, 0.0
	if views > 0 {
		likeRatio = float64(likes) / float64(views)
		commentRatio = float64(comments) / float64(views)
	}

	return map[string]any{
		"views":                 views,
		"likes":                 likes,
		"comments":              comments,
		"like_to_view_ratio":    likeRatio,
		"comment_to_view_ratio": commentRatio,
	}
}
