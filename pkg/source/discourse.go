package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DiscourseConfig configures the forum collector.
type DiscourseConfig struct {
	BaseURL      string
	CategorySlug string
	CategoryID   int
	SearchPrefix string
	SearchTerms  []string
	MaxPerSearch int
	Throttle     time.Duration
	Platform     string
}

// Discourse collects workflow discussions from a Discourse forum.
type Discourse struct {
	client  *http.Client
	cfg     DiscourseConfig
	limiter *rate.Limiter
	filter  *Filter
}

// NewDiscourse creates a new forum collector.
func NewDiscourse(cfg DiscourseConfig, filter *Filter) *Discourse {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://community.n8n.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CategorySlug == "" {
		cfg.CategorySlug = "built-with-n8n"
	}
	if cfg.CategoryID == 0 {
		cfg.CategoryID = 15
	}
	if cfg.MaxPerSearch <= 0 {
		cfg.MaxPerSearch = 10
	}
	if cfg.Platform == "" {
		cfg.Platform = "n8n Forum"
	}

	limit := rate.Inf
	if cfg.Throttle > 0 {
		limit = rate.Every(cfg.Throttle)
	}

	return &Discourse{
		client:  &http.Client{Timeout: 30 * time.Second},
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		filter:  filter,
	}
}

func (d *Discourse) Name() SourceType { return SourceForum }

func (d *Discourse) Collect(ctx context.Context) ([]RawResult, error) {
	topics, err := d.fetchCategoryTopics(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var refs []dcTopicRef
	add := func(ts []dcTopicRef) {
		for _, t := range ts {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			refs = append(refs, t)
		}
	}
	add(topics)

	for _, term := range d.cfg.SearchTerms {
		found, err := d.search(ctx, term)
		if err != nil {
			slog.Warn("forum search failed", "term", term, "error", err)
			continue
		}
		if len(found) > d.cfg.MaxPerSearch {
			found = found[:d.cfg.MaxPerSearch]
		}
		add(found)
	}

	var (
		g       errgroup.Group
		results = make([]RawResult, len(refs))
		keep    = make([]bool, len(refs))
	)
	g.SetLimit(4)

	for i, ref := range refs {
		if !d.filter.Allows(ref.Title) {
			continue
		}
		g.Go(func() error {
			stats, err := d.fetchTopicStats(ctx, ref.ID)
			if err != nil {
				// Keep the topic with zeroed metrics, as the forum still lists it.
				slog.Warn("forum topic details failed", "topic", ref.ID, "error", err)
				stats = dcStats{}
			}

			results[i] = RawResult{
				"workflow": ref.Title,
				"platform": d.cfg.Platform,
				"popularity_metrics": map[string]any{
					"views":               stats.Views,
					"replies":             stats.Replies,
					"likes":               stats.Likes,
					"unique_contributors": stats.Contributors,
				},
			}
			keep[i] = true
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]RawResult, 0, len(results))
	for i, r := range results {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *Discourse) fetchCategoryTopics(ctx context.Context) ([]dcTopicRef, error) {
	reqURL := fmt.Sprintf("%s/c/%s/%d/l/top.json", d.cfg.BaseURL, d.cfg.CategorySlug, d.cfg.CategoryID)

	var result struct {
		TopicList struct {
			Topics []dcTopicRef `json:"topics"`
		} `json:"topic_list"`
	}
	if err := d.getJSON(ctx, reqURL, &result); err != nil {
		return nil, fmt.Errorf("fetch forum category: %w", err)
	}
	return result.TopicList.Topics, nil
}

func (d *Discourse) search(ctx context.Context, term string) ([]dcTopicRef, error) {
	q := strings.TrimSpace(term + " workflow")
	if d.cfg.SearchPrefix != "" {
		q = d.cfg.SearchPrefix + " " + q
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("include_blurbs", "true")

	var result struct {
		Topics []dcTopicRef `json:"topics"`
	}
	if err := d.getJSON(ctx, d.cfg.BaseURL+"/search.json?"+params.Encode(), &result); err != nil {
		return nil, fmt.Errorf("search forum %q: %w", term, err)
	}
	return result.Topics, nil
}

func (d *Discourse) fetchTopicStats(ctx context.Context, id int) (dcStats, error) {
	var topic dcTopic
	if err := d.getJSON(ctx, fmt.Sprintf("%s/t/%d.json", d.cfg.BaseURL, id), &topic); err != nil {
		return dcStats{}, err
	}

	stats := dcStats{Views: topic.Views, Replies: topic.ReplyCount}
	users := make(map[string]bool)
	for _, p := range topic.PostStream.Posts {
		stats.Likes += p.LikeCount
		users[p.Username] = true
	}
	stats.Contributors = len(users)
	return stats, nil
}

func (d *Discourse) getJSON(ctx context.Context, reqURL string, v any) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "flowtrends/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, reqURL)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", reqURL, err)
	}
	return nil
}

type dcTopicRef struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

type dcTopic struct {
	Views      int `json:"views"`
	ReplyCount int `json:"reply_count"`
	PostStream struct {
		Posts []struct {
			Username  string `json:"username"`
			LikeCount int    `json:"like_count"`
		} `json:"posts"`
	} `json:"post_stream"`
}

type dcStats struct {
	Views        int
	Replies      int
	Likes        int
	Contributors int
}
