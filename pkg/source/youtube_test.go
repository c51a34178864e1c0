package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/youtube/v3"
)

func newYouTubeServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/youtube/v3/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "video", r.URL.Query().Get("type"))
		switch r.URL.Query().Get("q") {
		case "n8n workflow":
			fmt.Fprint(w, `{"items": [
				{"id": {"kind": "youtube#video", "videoId": "a"}},
				{"id": {"kind": "youtube#video", "videoId": "b"}}
			]}`)
		case "n8n automation":
			fmt.Fprint(w, `{"items": [
				{"id": {"kind": "youtube#video", "videoId": "b"}},
				{"id": {"kind": "youtube#video", "videoId": "c"}}
			]}`)
		default:
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error": {"code": 403, "message": "quota exceeded"}}`)
		}
	})
	mux.HandleFunc("/youtube/v3/videos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a,b,c", strings.Join(r.URL.Query()["id"], ","))
		fmt.Fprint(w, `{"items": [
			{"id": "a", "snippet": {"title": "Email triage agent"},
			 "statistics": {"viewCount": "1000", "likeCount": "50", "commentCount": "10"}},
			{"id": "b", "snippet": {"title": "YouTube"},
			 "statistics": {"viewCount": "5"}},
			{"id": "c", "snippet": {"title": "Brand new upload"},
			 "statistics": {"viewCount": "0"}}
		]}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestYouTube_Collect(t *testing.T) {
	srv := newYouTubeServer(t)

	y := NewYouTube(YouTubeConfig{
		APIKey:     "test-key",
		Queries:    []string{"n8n workflow", "n8n automation", "over quota"},
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	}, NewFilter(nil))
	assert.Equal(t, SourceVideo, y.Name())

	results, err := y.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Email triage agent", results[0]["workflow"])
	assert.Equal(t, "YouTube", results[0]["platform"])
	m := Metrics(results[0]["popularity_metrics"].(map[string]any))
	assert.InDelta(t, 1000, m.Float("views"), 1e-9)
	assert.InDelta(t, 0.05, m.Float("like_to_view_ratio"), 1e-9)
	assert.InDelta(t, 0.01, m.Float("comment_to_view_ratio"), 1e-9)

	// The generic title is filtered and a zero-view video has zero ratios.
	assert.Equal(t, "Brand new upload", results[1]["workflow"])
	m = Metrics(results[1]["popularity_metrics"].(map[string]any))
	assert.Zero(t, m.Float("like_to_view_ratio"))
}

func TestYouTube_RequiresAPIKey(t *testing.T) {
	_, err := NewYouTube(YouTubeConfig{}, nil).Collect(context.Background())
	assert.ErrorContains(t, err, "API key required")
}

func TestVideoMetrics(t *testing.T) {
	m := Metrics(videoMetrics(&youtube.VideoStatistics{ViewCount: 200, LikeCount: 20, CommentCount: 4}))
	assert.InDelta(t, 0.1, m.Float("like_to_view_ratio"), 1e-9)
	assert.InDelta(t, 0.02, m.Float("comment_to_view_ratio"), 1e-9)

	m = Metrics(videoMetrics(nil))
	assert.Zero(t, m.Float("views"))
	assert.Zero(t, m.Float("like_to_view_ratio"))
}
