package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"lectern/internal/services"
)

// ManifestSuffix marks keys that reference a part manifest instead of a plain
// object. Readers decide the reconstruct path from the key alone.
const ManifestSuffix = ".manifest.txt"

// Manifest describes an object stored as numbered parts because its size
// exceeded the store's per-object ceiling.
type Manifest struct {
	Key       string         `json:"key"`
	TotalSize int64          `json:"total_size"`
	PartSize  int64          `json:"part_size"`
	Parts     []ManifestPart `json:"parts"`
	CreatedAt time.Time      `json:"created_at"`
}

// ManifestPart identifies one stored part and its exact length.
type ManifestPart struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// IsManifestKey reports whether a storage key references a part manifest.
func IsManifestKey(key string) bool {
	return strings.HasSuffix(key, ManifestSuffix)
}

// PartKey returns the zero-padded key for part index i of a base key.
func PartKey(base string, i int) string {
	return fmt.Sprintf("%s.part%03d", base, i)
}

// Writer stores files against a Backend, splitting anything above the
// per-object ceiling into parts plus a manifest.
type Writer struct {
	Backend  Backend
	Ceiling  int64
	PartSize int64
}

// Store writes the content under key and returns the key future reads must
// use. For oversized files that is the manifest key, not the base key.
func (w Writer) Store(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	if w.PartSize <= 0 || w.PartSize >= w.Ceiling {
		return "", services.Wrap(services.ErrAssembly, "storage", "store",
			fmt.Sprintf("part size %d incompatible with ceiling %d", w.PartSize, w.Ceiling), nil)
	}
	if size <= w.Ceiling {
		if err := w.Backend.Put(ctx, key, r, size); err != nil {
			return "", err
		}
		return key, nil
	}
	return w.storeParts(ctx, key, r, size)
}

func (w Writer) storeParts(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	manifest := Manifest{
		Key:       key,
		TotalSize: size,
		PartSize:  w.PartSize,
		CreatedAt: time.Now().UTC(),
	}

	remaining := size
	for i := 0; remaining > 0; i++ {
		partSize := w.PartSize
		if remaining < partSize {
			partSize = remaining
		}
		partKey := PartKey(key, i)
		if err := w.Backend.Put(ctx, partKey, io.LimitReader(r, partSize), partSize); err != nil {
			w.cleanupParts(ctx, manifest.Parts)
			return "", services.Wrap(services.ErrAssembly, "storage", "store-part",
				fmt.Sprintf("part %d of %s", i, key), err)
		}
		manifest.Parts = append(manifest.Parts, ManifestPart{Key: partKey, Size: partSize})
		remaining -= partSize
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		w.cleanupParts(ctx, manifest.Parts)
		return "", fmt.Errorf("marshal manifest for %s: %w", key, err)
	}
	manifestKey := key + ManifestSuffix
	if err := w.Backend.Put(ctx, manifestKey, strings.NewReader(string(data)), int64(len(data))); err != nil {
		w.cleanupParts(ctx, manifest.Parts)
		return "", services.Wrap(services.ErrAssembly, "storage", "store-manifest", key, err)
	}
	return manifestKey, nil
}

func (w Writer) cleanupParts(ctx context.Context, parts []ManifestPart) {
	for _, part := range parts {
		_ = w.Backend.Delete(ctx, part.Key)
	}
}

// Fetch copies the object identified by key into dst, reconstructing from
// parts when key is a manifest key. Size mismatches against the manifest are
// fatal corruption, not retryable.
func Fetch(ctx context.Context, backend Backend, key string, dst io.Writer) (int64, error) {
	if !IsManifestKey(key) {
		rc, err := backend.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		defer rc.Close()
		n, err := io.Copy(dst, rc)
		if err != nil {
			return n, fmt.Errorf("read object %s: %w", key, err)
		}
		return n, nil
	}

	manifest, err := ReadManifest(ctx, backend, key)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, part := range manifest.Parts {
		rc, err := backend.Get(ctx, part.Key)
		if err != nil {
			return total, services.Wrap(services.ErrManifestMismatch, "storage", "fetch-part",
				fmt.Sprintf("part %s listed in %s", part.Key, key), err)
		}
		n, copyErr := io.Copy(dst, rc)
		rc.Close()
		total += n
		if copyErr != nil {
			return total, fmt.Errorf("read part %s: %w", part.Key, copyErr)
		}
		if n != part.Size {
			return total, services.Wrap(services.ErrManifestMismatch, "storage", "fetch-part",
				fmt.Sprintf("part %s is %d bytes, manifest says %d", part.Key, n, part.Size), nil)
		}
	}
	if total != manifest.TotalSize {
		return total, services.Wrap(services.ErrManifestMismatch, "storage", "fetch",
			fmt.Sprintf("reconstructed %d bytes, manifest says %d", total, manifest.TotalSize), nil)
	}
	return total, nil
}

// ReadManifest downloads and decodes a part manifest.
func ReadManifest(ctx context.Context, backend Backend, manifestKey string) (*Manifest, error) {
	rc, err := backend.Get(ctx, manifestKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var manifest Manifest
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return nil, services.Wrap(services.ErrManifestMismatch, "storage", "read-manifest",
			fmt.Sprintf("decode %s", manifestKey), err)
	}
	if len(manifest.Parts) == 0 {
		return nil, services.Wrap(services.ErrManifestMismatch, "storage", "read-manifest",
			fmt.Sprintf("manifest %s lists no parts", manifestKey), nil)
	}
	return &manifest, nil
}

// Remove deletes the object identified by key, including all parts when key
// is a manifest key.
func Remove(ctx context.Context, backend Backend, key string) error {
	if !IsManifestKey(key) {
		return backend.Delete(ctx, key)
	}
	manifest, err := ReadManifest(ctx, backend, key)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil
		}
		// A corrupt manifest still has a predictable part prefix.
		base := strings.TrimSuffix(key, ManifestSuffix)
		if err := backend.DeletePrefix(ctx, base+".part"); err != nil {
			return err
		}
		return backend.Delete(ctx, key)
	}
	for _, part := range manifest.Parts {
		if err := backend.Delete(ctx, part.Key); err != nil {
			return err
		}
	}
	return backend.Delete(ctx, key)
}
