package download

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/transfer"
)

// DefaultAPIKeyHeader carries the resolver API key unless configured otherwise
const DefaultAPIKeyHeader = "X-API-Key"

// ResolverConfig configures the resolver API strategy
type ResolverConfig struct {
	Endpoint     string
	APIKey       string
	APIKeyHeader string
}

// ResolverStrategy asks a resolver API for a direct link and downloads it
type ResolverStrategy struct {
	cfg    ResolverConfig
	http   *http.Client
	engine *transfer.Engine
	limits transfer.Limits
	log    *zap.Logger
}

// NewResolverStrategy creates the resolver strategy
func NewResolverStrategy(cfg ResolverConfig, engine *transfer.Engine, limits transfer.Limits, log *zap.Logger) *ResolverStrategy {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if engine == nil {
		engine = transfer.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ResolverStrategy{
		cfg:    cfg,
		http:   &http.Client{},
		engine: engine,
		limits: limits,
		log:    log.With(zap.String("strategy", BackendResolver)),
	}
}

// Fetch resolves spec.Locator and downloads the direct link into dir
func (r *ResolverStrategy) Fetch(ctx context.Context, spec model.JobSpec, dir string, onProgress model.ProgressFunc) (model.Artifact, error) {
	direct, err := r.Resolve(ctx, spec.Locator)
	if err != nil {
		return model.Artifact{}, err
	}
	r.log.Debug("direct link resolved")

	f, err := r.engine.Download(ctx, direct, filepath.Join(dir, sourceBase), r.limits, onProgress)
	if err != nil {
		return model.Artifact{}, err
	}
	return model.Artifact{Path: f.Path, Name: f.Name, Size: f.Size, ContentType: f.ContentType}, nil
}

// Resolve returns the direct download link for locator
func (r *ResolverStrategy) Resolve(ctx context.Context, locator string) (string, error) {
	const op = "download.resolve"

	body, err := json.Marshal(map[string]string{"url": locator})
	if err != nil {
		return "", model.NewError(model.ClassInternal, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", model.NewError(model.ClassInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set(r.cfg.APIKeyHeader, r.cfg.APIKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", model.Cancelled(op)
		}
		return "", model.NewError(model.ClassRemoteRejected, op, err)
	}
	defer resp.Body.Close()

	if class := transfer.ClassifyStatus(resp.StatusCode); class != model.ClassNone {
		return "", model.Errorf(class, op, "resolver returned %s", resp.Status)
	}
	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", model.Errorf(model.ClassRemoteRejected, op, "malformed resolver response")
	}
	direct, ok := DirectLink(payload)
	if !ok {
		return "", model.Errorf(model.ClassRemoteRejected, op, "resolver returned no direct link")
	}
	return direct, nil
}

var linkKeys = []string{"download_url", "direct_url", "url"}

// DirectLink finds the direct link in a resolver response. It is looked up
// at the top level, then under "data" (object or first list element), then
// under "result".
func DirectLink(payload map[string]any) (string, bool) {
	if link, ok := linkIn(payload); ok {
		return link, true
	}
	switch data := payload["data"].(type) {
	case map[string]any:
		if link, ok := linkIn(data); ok {
			return link, true
		}
	case []any:
		if len(data) > 0 {
			if first, ok := data[0].(map[string]any); ok {
				if link, ok := linkIn(first); ok {
					return link, true
				}
			}
		}
	}
	if result, ok := payload["result"].(map[string]any); ok {
		return linkIn(result)
	}
	return "", false
}

func linkIn(m map[string]any) (string, bool) {
	for _, key := range linkKeys {
		s, ok := m[key].(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			return s, true
		}
	}
	return "", false
}
