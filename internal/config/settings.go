package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/ytget/mediajobs/internal/cloudconvert"
	"github.com/ytget/mediajobs/internal/deliver"
	"github.com/ytget/mediajobs/internal/download"
	"github.com/ytget/mediajobs/internal/transcode"
	"github.com/ytget/mediajobs/internal/transfer"
)

// EnvPrefix prefixes every environment override, e.g. MEDIAJOBS_DELIVER_BACKEND
const EnvPrefix = "MEDIAJOBS"

// ConfigName is the config file looked up when none is given
const ConfigName = "mediajobs"

// Settings keys
const (
	KeyWorkspaceDir = "workspace.dir"
	KeyMaxActive    = "supervisor.max_active"

	KeyMaxBytes     = "transfer.max_bytes"
	KeyChunkSize    = "transfer.chunk_size"
	KeyStallTimeout = "transfer.stall_timeout"
	KeyUserAgent    = "transfer.user_agent"

	KeyFFmpeg            = "transform.ffmpeg"
	KeyFFprobe           = "transform.ffprobe"
	KeyKillTimeout       = "transform.kill_timeout"
	KeyTailLines         = "transform.tail_lines"
	KeyFallbackOnFailure = "transform.fallback_on_failure"

	KeyReportMinInterval = "report.min_interval"

	KeyYTDLPBinary        = "ytdlp.binary"
	KeyYTDLPFormat        = "ytdlp.format"
	KeyYTDLPCookies       = "ytdlp.cookies"
	KeyYTDLPRetries       = "ytdlp.retries"
	KeyYTDLPSocketTimeout = "ytdlp.socket_timeout"

	KeyResolverEndpoint     = "resolver.endpoint"
	KeyResolverAPIKey       = "resolver.api_key"
	KeyResolverAPIKeyHeader = "resolver.api_key_header"

	KeyCloudConvertBaseURL      = "cloudconvert.base_url"
	KeyCloudConvertAPIKey       = "cloudconvert.api_key"
	KeyCloudConvertPollInterval = "cloudconvert.poll_interval"
	KeyCloudConvertTimeout      = "cloudconvert.timeout"

	KeyDeliverBackend  = "deliver.backend"
	KeyDeliverLocalDir = "deliver.local.dir"
	KeyDeliverHTTPURL  = "deliver.http.url"

	KeyS3Bucket     = "deliver.s3.bucket"
	KeyS3Region     = "deliver.s3.region"
	KeyS3Endpoint   = "deliver.s3.endpoint"
	KeyS3Prefix     = "deliver.s3.prefix"
	KeyS3PresignTTL = "deliver.s3.presign_ttl"

	KeyMinioEndpoint   = "deliver.minio.endpoint"
	KeyMinioAccessKey  = "deliver.minio.access_key"
	KeyMinioSecretKey  = "deliver.minio.secret_key"
	KeyMinioBucket     = "deliver.minio.bucket"
	KeyMinioRegion     = "deliver.minio.region"
	KeyMinioSecure     = "deliver.minio.secure"
	KeyMinioPrefix     = "deliver.minio.prefix"
	KeyMinioPresignTTL = "deliver.minio.presign_ttl"
)

// Default values and bounds
const (
	DefaultMaxActive = 2
	MinMaxActive     = 1
	MaxMaxActive     = 10

	MinChunkSize = 4 << 10
	MaxChunkSize = 8 << 20

	DefaultReportMinInterval = 3 * time.Second
	MinReportMinInterval     = time.Second
	MaxReportMinInterval     = 60 * time.Second

	DefaultDeliverBackend  = deliver.BackendLocal
	DefaultDeliverLocalDir = "outbox"
)

// Settings manages application configuration
type Settings struct {
	v *viper.Viper
}

// NewSettings wraps v, or a fresh viper instance when v is nil, and
// registers the defaults.
func NewSettings(v *viper.Viper) *Settings {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	return &Settings{v: v}
}

// Load reads settings from file, or from mediajobs.{yaml,json,toml} in the
// working directory and the user config directory when file is empty. A
// missing config file is not an error. Environment variables override the
// file.
func Load(v *viper.Viper, file string) (*Settings, error) {
	s := NewSettings(v)
	v = s.v

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, ConfigName))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return s, nil
}

// SetDefaults registers every default value on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyWorkspaceDir, filepath.Join(os.TempDir(), ConfigName))
	v.SetDefault(KeyMaxActive, DefaultMaxActive)

	v.SetDefault(KeyMaxBytes, transfer.DefaultMaxBytes)
	v.SetDefault(KeyChunkSize, transfer.DefaultChunkSize)
	v.SetDefault(KeyStallTimeout, transfer.DefaultStallTimeout)
	v.SetDefault(KeyUserAgent, transfer.DefaultUserAgent)

	v.SetDefault(KeyFFmpeg, transcode.FFmpegCommand)
	v.SetDefault(KeyFFprobe, transcode.FFprobeCommand)
	v.SetDefault(KeyKillTimeout, transcode.DefaultKillTimeout)
	v.SetDefault(KeyTailLines, transcode.DefaultTailLines)
	v.SetDefault(KeyFallbackOnFailure, false)

	v.SetDefault(KeyReportMinInterval, DefaultReportMinInterval)

	v.SetDefault(KeyYTDLPFormat, download.DefaultFormat)
	v.SetDefault(KeyYTDLPRetries, download.DefaultRetries)
	v.SetDefault(KeyYTDLPSocketTimeout, download.DefaultSocketTimeout)

	v.SetDefault(KeyResolverAPIKeyHeader, download.DefaultAPIKeyHeader)

	v.SetDefault(KeyCloudConvertBaseURL, cloudconvert.DefaultBaseURL)
	v.SetDefault(KeyCloudConvertPollInterval, cloudconvert.DefaultPollInterval)
	v.SetDefault(KeyCloudConvertTimeout, cloudconvert.DefaultTimeout)

	v.SetDefault(KeyDeliverBackend, DefaultDeliverBackend)
	v.SetDefault(KeyDeliverLocalDir, DefaultDeliverLocalDir)
	v.SetDefault(KeyS3Region, deliver.DefaultRegion)
	v.SetDefault(KeyS3PresignTTL, deliver.DefaultPresignTTL)
	v.SetDefault(KeyMinioSecure, true)
	v.SetDefault(KeyMinioPresignTTL, deliver.DefaultPresignTTL)
}

// Viper returns the underlying viper instance, e.g. for flag binding
func (s *Settings) Viper() *viper.Viper {
	return s.v
}

// Set overrides a single key
func (s *Settings) Set(key string, value any) {
	s.v.Set(key, value)
}

// GetWorkspaceDir returns the parent directory of job workspaces
func (s *Settings) GetWorkspaceDir() string {
	return s.v.GetString(KeyWorkspaceDir)
}

// GetMaxActive returns the number of jobs allowed to run at the same time
func (s *Settings) GetMaxActive() int {
	return clamp(s.v.GetInt(KeyMaxActive), MinMaxActive, MaxMaxActive)
}

// GetChunkSize returns the transfer chunk size
func (s *Settings) GetChunkSize() int {
	n := s.v.GetInt(KeyChunkSize)
	if n <= 0 {
		return transfer.DefaultChunkSize
	}
	return clamp(n, MinChunkSize, MaxChunkSize)
}

// GetLimits returns the transfer limits applied to every stage
func (s *Settings) GetLimits() transfer.Limits {
	return transfer.Limits{
		MaxBytes:     s.v.GetInt64(KeyMaxBytes),
		ChunkSize:    s.GetChunkSize(),
		StallTimeout: s.v.GetDuration(KeyStallTimeout),
	}
}

// GetUserAgent returns the User-Agent sent by the transfer engine
func (s *Settings) GetUserAgent() string {
	return s.v.GetString(KeyUserAgent)
}

// GetReportMinInterval returns the minimum time between status edits
func (s *Settings) GetReportMinInterval() time.Duration {
	return clamp(s.v.GetDuration(KeyReportMinInterval), MinReportMinInterval, MaxReportMinInterval)
}

// GetTranscodeOptions returns the local transform settings. The remote
// strategy is wired by the caller.
func (s *Settings) GetTranscodeOptions() transcode.Options {
	return transcode.Options{
		FFmpeg:            s.v.GetString(KeyFFmpeg),
		FFprobe:           s.v.GetString(KeyFFprobe),
		KillTimeout:       s.v.GetDuration(KeyKillTimeout),
		TailLines:         max(s.v.GetInt(KeyTailLines), 1),
		FallbackOnFailure: s.v.GetBool(KeyFallbackOnFailure),
	}
}

// GetYTDLP returns the extractor settings
func (s *Settings) GetYTDLP() download.YTDLPConfig {
	return download.YTDLPConfig{
		Binary:        s.v.GetString(KeyYTDLPBinary),
		Format:        s.v.GetString(KeyYTDLPFormat),
		Cookies:       s.v.GetString(KeyYTDLPCookies),
		Retries:       max(s.v.GetInt(KeyYTDLPRetries), 0),
		SocketTimeout: s.v.GetDuration(KeyYTDLPSocketTimeout),
		KillTimeout:   s.v.GetDuration(KeyKillTimeout),
		TailLines:     max(s.v.GetInt(KeyTailLines), 1),
	}
}

// GetResolver returns the direct-link resolver settings
func (s *Settings) GetResolver() download.ResolverConfig {
	return download.ResolverConfig{
		Endpoint:     s.v.GetString(KeyResolverEndpoint),
		APIKey:       s.v.GetString(KeyResolverAPIKey),
		APIKeyHeader: s.v.GetString(KeyResolverAPIKeyHeader),
	}
}

// GetCloudConvert returns the remote conversion service settings
func (s *Settings) GetCloudConvert() cloudconvert.Config {
	return cloudconvert.Config{
		BaseURL:      s.v.GetString(KeyCloudConvertBaseURL),
		APIKey:       s.v.GetString(KeyCloudConvertAPIKey),
		PollInterval: s.v.GetDuration(KeyCloudConvertPollInterval),
		Timeout:      s.v.GetDuration(KeyCloudConvertTimeout),
	}
}

// RemoteTransformEnabled returns true if the remote conversion service has credentials
func (s *Settings) RemoteTransformEnabled() bool {
	return s.v.GetString(KeyCloudConvertAPIKey) != ""
}

// GetDeliver returns the delivery backend settings
func (s *Settings) GetDeliver() deliver.Config {
	return deliver.Config{
		Backend:  strings.ToLower(s.v.GetString(KeyDeliverBackend)),
		LocalDir: s.v.GetString(KeyDeliverLocalDir),
		HTTPURL:  s.v.GetString(KeyDeliverHTTPURL),
		S3: deliver.S3Config{
			Bucket:     s.v.GetString(KeyS3Bucket),
			Region:     s.v.GetString(KeyS3Region),
			Endpoint:   s.v.GetString(KeyS3Endpoint),
			Prefix:     s.v.GetString(KeyS3Prefix),
			PresignTTL: s.v.GetDuration(KeyS3PresignTTL),
		},
		Minio: deliver.MinioConfig{
			Endpoint:   s.v.GetString(KeyMinioEndpoint),
			AccessKey:  s.v.GetString(KeyMinioAccessKey),
			SecretKey:  s.v.GetString(KeyMinioSecretKey),
			Bucket:     s.v.GetString(KeyMinioBucket),
			Region:     s.v.GetString(KeyMinioRegion),
			Secure:     s.v.GetBool(KeyMinioSecure),
			Prefix:     s.v.GetString(KeyMinioPrefix),
			PresignTTL: s.v.GetDuration(KeyMinioPresignTTL),
		},
	}
}

// Validate checks that the keys the selected backends need are present.
// All problems are reported at once.
func (s *Settings) Validate() error {
	var result *multierror.Error
	require := func(key string) {
		if strings.TrimSpace(s.v.GetString(key)) == "" {
			result = multierror.Append(result, fmt.Errorf("%s is required", key))
		}
	}

	switch backend := strings.ToLower(s.v.GetString(KeyDeliverBackend)); backend {
	case deliver.BackendLocal:
		require(KeyDeliverLocalDir)
	case deliver.BackendHTTP:
		require(KeyDeliverHTTPURL)
	case deliver.BackendS3:
		require(KeyS3Bucket)
	case deliver.BackendMinio:
		require(KeyMinioEndpoint)
		require(KeyMinioBucket)
		require(KeyMinioAccessKey)
		require(KeyMinioSecretKey)
	default:
		result = multierror.Append(result, fmt.Errorf("%s: unknown backend %q", KeyDeliverBackend, backend))
	}

	if s.v.GetInt64(KeyMaxBytes) < 0 {
		result = multierror.Append(result, fmt.Errorf("%s must not be negative", KeyMaxBytes))
	}
	if s.v.GetDuration(KeyCloudConvertPollInterval) <= 0 {
		result = multierror.Append(result, fmt.Errorf("%s must be positive", KeyCloudConvertPollInterval))
	}
	return result.ErrorOrNil()
}

func clamp[T int | time.Duration](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
