package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateTranscription(); err != nil {
		return err
	}
	if err := c.validateEmbedding(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set when storage.backend is \"s3\"")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set when storage.backend is \"local\"")
		}
	default:
		return fmt.Errorf("storage.backend must be \"s3\" or \"local\", got %q", c.Storage.Backend)
	}
	if c.Storage.ObjectCeilingBytes <= 0 {
		return errors.New("storage.object_ceiling_bytes must be positive")
	}
	return nil
}

func (c *Config) validateUpload() error {
	u := c.Upload
	if u.MinSessionBytes <= 0 {
		return errors.New("upload.min_session_bytes must be positive")
	}
	if u.MaxSessionBytes <= u.MinSessionBytes {
		return errors.New("upload.max_session_bytes must exceed upload.min_session_bytes")
	}
	if u.ChunkSizeBytes <= 0 {
		return errors.New("upload.chunk_size_bytes must be positive")
	}
	if u.PartSizeBytes <= 0 {
		return errors.New("upload.part_size_bytes must be positive")
	}
	if u.PartSizeBytes >= c.Storage.ObjectCeilingBytes {
		return errors.New("upload.part_size_bytes must stay under storage.object_ceiling_bytes")
	}
	if u.SessionTTLHours <= 0 {
		return errors.New("upload.session_ttl_hours must be positive")
	}
	if u.SweepIntervalMins <= 0 {
		return errors.New("upload.sweep_interval_minutes must be positive")
	}
	return nil
}

func (c *Config) validateProcessing() error {
	// Minimum two workers so both lanes always have one.
	if c.Processing.Workers < 2 {
		return errors.New("processing.workers must be at least 2")
	}
	if c.Processing.MediaAverageMinutes <= 0 || c.Processing.DocumentAverageMinutes <= 0 {
		return errors.New("processing average minutes must be positive")
	}
	if c.Processing.DocumentTimeoutMinutes <= 0 {
		return errors.New("processing.document_timeout_minutes must be positive")
	}
	return nil
}

func (c *Config) validateTranscription() error {
	t := c.Transcription
	if t.WindowSeconds <= 0 {
		return errors.New("transcription.window_seconds must be positive")
	}
	if t.SegmentTimeoutSecs <= 0 {
		return errors.New("transcription.segment_timeout_seconds must be positive")
	}
	if t.WarmupTimeoutSeconds <= 0 {
		return errors.New("transcription.warmup_timeout_seconds must be positive")
	}
	if t.Model == "" {
		return errors.New("transcription.model must be set")
	}
	return nil
}

func (c *Config) validateEmbedding() error {
	e := c.Embedding
	if e.ChunkSize <= 0 {
		return errors.New("embedding.chunk_size must be positive")
	}
	if e.ChunkOverlap < 0 || e.ChunkOverlap >= e.ChunkSize {
		return errors.New("embedding.chunk_overlap must be non-negative and smaller than embedding.chunk_size")
	}
	return nil
}
