package config

const (
	defaultStagingDir = "~/.local/share/lectern/staging"
	defaultLogDir     = "~/.local/share/lectern/logs"

	defaultStorageBackend = "s3"
	defaultStorageRegion  = "auto"
	defaultStorageBucket  = "lectern-content"
	defaultLocalDir       = "~/.local/share/lectern/objects"
	// Backing stores commonly cap single objects at 50 MiB; everything above
	// goes through the part-manifest path.
	defaultObjectCeilingBytes = 50 * 1024 * 1024
	// Above this size (but under the ceiling) the S3 backend switches to its
	// native multipart upload.
	defaultLargeUploadBytes = 25 * 1024 * 1024

	// Uploads below the floor should use a plain single-request upload
	// instead of a resumable session.
	defaultMinSessionBytes  = 10 * 1024 * 1024
	defaultMaxSessionBytes  = 2 * 1024 * 1024 * 1024
	defaultChunkSizeBytes   = 5 * 1024 * 1024
	defaultPartSizeBytes    = 40 * 1024 * 1024
	defaultSessionTTLHours  = 24
	defaultSweepIntervalMin = 30

	defaultWorkers             = 3
	defaultMediaAverageMin     = 12
	defaultDocumentAverageMin  = 4
	defaultDocumentTimeoutMin  = 30
	defaultWindowSeconds       = 300
	defaultSegmentTimeoutSecs  = 300
	defaultWarmupTimeoutSecs   = 120
	defaultTranscriptionModel  = "base"
	defaultTranscriptionLang   = "en"
	defaultFFmpegBinary        = "ffmpeg"
	defaultFFprobeBinary       = "ffprobe"
	defaultWhisperBinary       = "whisper"
	defaultEmbeddingModel      = "text-embedding-3-small"
	defaultEmbeddingChunkSize  = 1000
	defaultEmbeddingOverlap    = 200
	defaultNotifyTimeoutSecs   = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Storage: Storage{
			Backend:            defaultStorageBackend,
			Bucket:             defaultStorageBucket,
			Region:             defaultStorageRegion,
			LocalDir:           defaultLocalDir,
			ObjectCeilingBytes: defaultObjectCeilingBytes,
			LargeUploadBytes:   defaultLargeUploadBytes,
		},
		Upload: Upload{
			MinSessionBytes:     defaultMinSessionBytes,
			MaxSessionBytes:     defaultMaxSessionBytes,
			ChunkSizeBytes:      defaultChunkSizeBytes,
			PartSizeBytes:       defaultPartSizeBytes,
			SessionTTLHours:     defaultSessionTTLHours,
			SweepIntervalMins:   defaultSweepIntervalMin,
			MinFreeDiskRequired: true,
		},
		Processing: Processing{
			Workers:                defaultWorkers,
			MediaAverageMinutes:    defaultMediaAverageMin,
			DocumentAverageMinutes: defaultDocumentAverageMin,
			DocumentTimeoutMinutes: defaultDocumentTimeoutMin,
		},
		Transcription: Transcription{
			WindowSeconds:        defaultWindowSeconds,
			SegmentTimeoutSecs:   defaultSegmentTimeoutSecs,
			Model:                defaultTranscriptionModel,
			Language:             defaultTranscriptionLang,
			Deterministic:        true,
			WarmupTimeoutSeconds: defaultWarmupTimeoutSecs,
			FFmpegBinary:         defaultFFmpegBinary,
			FFprobeBinary:        defaultFFprobeBinary,
			WhisperBinary:        defaultWhisperBinary,
		},
		Embedding: Embedding{
			Model:        defaultEmbeddingModel,
			ChunkSize:    defaultEmbeddingChunkSize,
			ChunkOverlap: defaultEmbeddingOverlap,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeoutSecs,
			Completed:      true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
