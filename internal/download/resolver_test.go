package download

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/mediajobs/internal/model"
)

func TestDirectLink(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		ok      bool
	}{
		{"top level download_url", `{"download_url":"https://cdn.example/a.mp4"}`, "https://cdn.example/a.mp4", true},
		{"top level prefers download_url", `{"url":"https://x.example/page","download_url":"https://cdn.example/a.mp4"}`, "https://cdn.example/a.mp4", true},
		{"data object", `{"data":{"direct_url":" https://cdn.example/b.mp4 "}}`, "https://cdn.example/b.mp4", true},
		{"data list", `{"data":[{"url":"https://cdn.example/c.mp4"},{"url":"https://cdn.example/d.mp4"}]}`, "https://cdn.example/c.mp4", true},
		{"result object", `{"result":{"url":"http://cdn.example/e.mp4"}}`, "http://cdn.example/e.mp4", true},
		{"non http link ignored", `{"url":"ftp://cdn.example/f.mp4"}`, "", false},
		{"empty data list", `{"data":[]}`, "", false},
		{"nothing", `{"status":"ok"}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &payload))
			got, ok := DirectLink(payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newResolverAPI(t *testing.T, status int, respond func(base string) any) *httptest.Server {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /resolve", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Test-Key"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://share.example/s/1", body["url"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(respond(srv.URL))
	})
	mux.HandleFunc("GET /files/movie.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("movie-bytes"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestResolver(endpoint string) *ResolverStrategy {
	return NewResolverStrategy(ResolverConfig{Endpoint: endpoint, APIKey: "secret", APIKeyHeader: "X-Test-Key"}, nil, testLimits(), nil)
}

func TestResolverStrategy_Fetch(t *testing.T) {
	srv := newResolverAPI(t, http.StatusOK, func(base string) any {
		return map[string]any{"data": []any{map[string]any{"download_url": base + "/files/movie.mp4"}}}
	})

	spec := model.JobSpec{Source: model.SourceResolvedLink, Locator: "https://share.example/s/1"}
	a, err := newTestResolver(srv.URL+"/resolve").Fetch(context.Background(), spec, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "movie.mp4", a.Name)
	assert.Equal(t, int64(len("movie-bytes")), a.Size)
}

func TestResolverStrategy_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   model.ErrorClass
	}{
		{"quota", http.StatusTooManyRequests, map[string]any{"message": "quota"}, model.ClassQuotaOrAuth},
		{"server error", http.StatusBadGateway, map[string]any{}, model.ClassRemoteRejected},
		{"no link", http.StatusOK, map[string]any{"data": map[string]any{"status": "pending"}}, model.ClassRemoteRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newResolverAPI(t, tt.status, func(string) any { return tt.body })
			_, err := newTestResolver(srv.URL+"/resolve").Resolve(context.Background(), "https://share.example/s/1")
			require.Error(t, err)
			assert.Equal(t, tt.want, model.ClassOf(err))
		})
	}
}
