package transfer

import "time"

// Default limits
const (
	DefaultMaxBytes     int64 = 2 << 30 // 2 GiB
	DefaultChunkSize          = 256 << 10
	DefaultStallTimeout       = 60 * time.Second
)

// Limits bounds a single transfer
type Limits struct {
	MaxBytes     int64         // <= 0 disables the ceiling
	ChunkSize    int           // <= 0 uses DefaultChunkSize
	StallTimeout time.Duration // <= 0 disables stall detection
}

// DefaultLimits returns the default transfer limits
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:     DefaultMaxBytes,
		ChunkSize:    DefaultChunkSize,
		StallTimeout: DefaultStallTimeout,
	}
}

func (l Limits) chunkSize() int {
	if l.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return l.ChunkSize
}

// Exceeds reports whether n bytes break the ceiling
func (l Limits) Exceeds(n int64) bool {
	return l.MaxBytes > 0 && n > l.MaxBytes
}
