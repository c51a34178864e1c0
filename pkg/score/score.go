// Package score reduces a source's metrics to a single popularity score.
//
// Each source has its own linear blend. Engagement signals (replies, likes,
// comments, contributors and the per-view ratios) weigh more than raw reach,
// and the trend blend rewards an upward trajectory. Scores are only
// comparable within one source.
package score

import (
	"fmt"
	"math"

	"github.com/elonfeng/flowtrends/pkg/source"
)

// Trend directions recognised by the trend blend.
const (
	DirectionUp     = "up"
	DirectionDown   = "down"
	DirectionStable = "stable"
)

// TrendWeights weighs search-interest metrics.
type TrendWeights struct {
	AvgInterest    float64 `yaml:"avg_interest"`
	LatestInterest float64 `yaml:"latest_interest"`
	UpBonus        float64 `yaml:"up_bonus"`
	DownPenalty    float64 `yaml:"down_penalty"`
}

// ForumWeights weighs forum discussion metrics.
type ForumWeights struct {
	Views              float64 `yaml:"views"`
	Replies            float64 `yaml:"replies"`
	Likes              float64 `yaml:"likes"`
	UniqueContributors float64 `yaml:"unique_contributors"`
}

// VideoWeights weighs video metrics. Ratios are fractions, so their weights
// lift them into the range of the raw counts.
type VideoWeights struct {
	Views              float64 `yaml:"views"`
	Likes              float64 `yaml:"likes"`
	Comments           float64 `yaml:"comments"`
	LikeToViewRatio    float64 `yaml:"like_to_view_ratio"`
	CommentToViewRatio float64 `yaml:"comment_to_view_ratio"`
}

// Weights holds every scoring constant.
type Weights struct {
	Trend TrendWeights `yaml:"trend"`
	Forum ForumWeights `yaml:"forum"`
	Video VideoWeights `yaml:"video"`
}

// DefaultWeights returns the standard scoring constants.
func DefaultWeights() Weights {
	return Weights{
		Trend: TrendWeights{
			AvgInterest:    0.4,
			LatestInterest: 0.6,
			UpBonus:        10,
			DownPenalty:    5,
		},
		Forum: ForumWeights{
			Views:              1,
			Replies:            20,
			Likes:              10,
			UniqueContributors: 30,
		},
		Video: VideoWeights{
			Views:              1,
			Likes:              20,
			Comments:           30,
			LikeToViewRatio:    5000,
			CommentToViewRatio: 8000,
		},
	}
}

// Validate rejects weights that would make scores meaningless.
func (w Weights) Validate() error {
	all := map[string]float64{
		"trend.avg_interest":          w.Trend.AvgInterest,
		"trend.latest_interest":       w.Trend.LatestInterest,
		"trend.up_bonus":              w.Trend.UpBonus,
		"trend.down_penalty":          w.Trend.DownPenalty,
		"forum.views":                 w.Forum.Views,
		"forum.replies":               w.Forum.Replies,
		"forum.likes":                 w.Forum.Likes,
		"forum.unique_contributors":   w.Forum.UniqueContributors,
		"video.views":                 w.Video.Views,
		"video.likes":                 w.Video.Likes,
		"video.comments":              w.Video.Comments,
		"video.like_to_view_ratio":    w.Video.LikeToViewRatio,
		"video.comment_to_view_ratio": w.Video.CommentToViewRatio,
	}
	for name, v := range all {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("scoring weight %s must be finite", name)
		}
	}
	return nil
}

// Scorer computes popularity scores. It holds no state besides its weights
// and is safe for concurrent use.
type Scorer struct {
	w Weights
}

// New creates a scorer with the given weights.
func New(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Score dispatches to the blend for st.
func (s *Scorer) Score(st source.SourceType, m source.Metrics) (float64, error) {
	switch st {
	case source.SourceTrend:
		return s.Trend(m), nil
	case source.SourceForum:
		return s.Forum(m), nil
	case source.SourceVideo:
		return s.Video(m), nil
	}
	return 0, fmt.Errorf("%w: %q", source.ErrInvalidSource, st)
}

// Trend scores search interest: a blend of average and latest interest
// plus a bonus or penalty for the direction of the trend.
func (s *Scorer) Trend(m source.Metrics) float64 {
	w := s.w.Trend

	var bonus float64
	switch m.String("trend", DirectionStable) {
	case DirectionUp:
		bonus = w.UpBonus
	case DirectionDown:
		bonus = -w.DownPenalty
	}

	return finite(w.AvgInterest*m.Float("avg_interest") +
		w.LatestInterest*m.Float("latest_interest") +
		bonus)
}

// Forum scores a forum topic.
func (s *Scorer) Forum(m source.Metrics) float64 {
	w := s.w.Forum
	return finite(w.Views*m.Float("views") +
		w.Replies*m.Float("replies") +
		w.Likes*m.Float("likes") +
		w.UniqueContributors*m.Float("unique_contributors"))
}

// Video scores a video.
func (s *Scorer) Video(m source.Metrics) float64 {
	w := s.w.Video
	return finite(w.Views*m.Float("views") +
		w.Likes*m.Float("likes") +
		w.Comments*m.Float("comments") +
		w.LikeToViewRatio*m.Float("like_to_view_ratio") +
		w.CommentToViewRatio*m.Float("comment_to_view_ratio"))
}

// finite maps NaN and the infinities to 0 so rankings stay totally ordered
// and encodable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
