package deliver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ytget/mediajobs/internal/model"
	"github.com/ytget/mediajobs/internal/transfer"
)

// NamePlaceholder in an HTTP target URL is replaced by the object name
const NamePlaceholder = "{name}"

// HTTPStore streams objects to an HTTP endpoint with PUT
type HTTPStore struct {
	target string
	engine *transfer.Engine
	limits transfer.Limits
}

// NewHTTPStore creates a store uploading to target. Without a {name}
// placeholder the object name is appended as the last path segment.
func NewHTTPStore(target string, engine *transfer.Engine, limits transfer.Limits) (*HTTPStore, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upload URL %q", target)
	}
	if engine == nil {
		engine = transfer.New()
	}
	return &HTTPStore{target: target, engine: engine, limits: limits}, nil
}

// Name implements Store
func (s *HTTPStore) Name() string { return BackendHTTP }

// Put uploads obj and returns the URL it was written to
func (s *HTTPStore) Put(ctx context.Context, obj Object, onProgress model.ProgressFunc) (string, error) {
	target := ObjectURL(s.target, obj.Name)
	if _, err := s.engine.Upload(ctx, http.MethodPut, target, obj.Path, obj.ContentType, s.limits, onProgress); err != nil {
		return "", err
	}
	return target, nil
}

// ObjectURL builds the upload URL for name
func ObjectURL(target, name string) string {
	escaped := url.PathEscape(name)
	if strings.Contains(target, NamePlaceholder) {
		return strings.ReplaceAll(target, NamePlaceholder, escaped)
	}
	u, err := url.Parse(target)
	if err != nil {
		return strings.TrimRight(target, "/") + "/" + escaped
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	u.RawPath = ""
	return u.String()
}
