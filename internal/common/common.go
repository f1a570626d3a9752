package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey        = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderAuthorization = "Authorization"
	ContentTypeJSON     = "application/json"
	ContentTypeWAV      = "audio/wav"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathMetrics = "/metrics"
	PathIngest  = "/v1/ingest"
	PathJobs    = "/v1/jobs"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	DefaultChunkSeconds  = 20
)

// External tool executables
const (
	FFmpegExecutable  = "ffmpeg"
	FFprobeExecutable = "ffprobe"
	YtDlpExecutable   = "yt-dlp"
)

// Storage key layout
const (
	ChunkKeyPrefix     = "audio_chunks"
	ChunkFilePattern   = "chunk_%04d.wav"
	NormalizedFileName = "normalized.wav"
)

// Subdirectory names under the storage dir
const (
	TmpDirName    = "tmp"
	OutputDirName = "output"
)

// Webhook status strings
const (
	StatusCompleted      = "completed"
	StatusCompletedLocal = "completed_local"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
)
