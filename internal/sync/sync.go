// Package sync implements the staging mirror: it streams remote objects into
// the local staging tree, deduplicating against the file registry so repeat
// runs only download what changed.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tern-data/tern/internal/config"
	"github.com/tern-data/tern/internal/domain"
	"github.com/tern-data/tern/internal/objectstore"
)

// Manifest is the registry surface the sync engine needs.
type Manifest interface {
	GetFile(ctx context.Context, relativePath string) (*domain.FileEntry, error)
	RegisterFiles(ctx context.Context, entries []domain.FileEntry) error
}

// Job describes one object handled by a sync pass.
type Job struct {
	ManifestKey string
	DestPath    string
	Brand       string
	Purchaser   string
	Size        int64
	ETag        string
	SHA256      string
	Skipped     bool
}

// Result is the outcome of syncing one bucket.
type Result struct {
	Brand     string
	Purchaser string
	Synced    int
	Skipped   int
	Errors    int
	Files     []Job
}

// Options tune one sync pass. LimitRemaining is shared across buckets and
// bounds new downloads only; skips are free.
type Options struct {
	LimitRemaining   *int
	InitialLimit     int
	AlreadyExtracted map[string]struct{}

	OnProgress      func(done, total int)
	OnSkipProgress  func(skipped, processed int)
	OnFileSynced    func(job Job)
	OnStartDownload func(destPath, manifestKey string)
}

// Engine mirrors remote buckets into the staging tree.
type Engine struct {
	client objectstore.Client
	store  Manifest
	logger *slog.Logger
}

// NewEngine builds a sync engine.
func NewEngine(client objectstore.Client, store Manifest, logger *slog.Logger) *Engine {
	return &Engine{client: client, store: store, logger: logger}
}

// SyncBucket mirrors one bucket prefix into stagingDir/brand/purchaser.
// Per-file errors are counted and logged but do not stop the pass; a listing
// failure returns the partial result with an error.
func (e *Engine) SyncBucket(ctx context.Context, bucket config.BucketConfig, stagingDir string, opts Options) (Result, error) {
	res := Result{Brand: bucket.Tenant, Purchaser: bucket.Purchaser}

	objects, err := e.client.ListObjects(ctx, bucket.Bucket, bucket.Prefix)
	if err != nil {
		res.Errors++
		return res, fmt.Errorf("list %s/%s: %w", bucket.Bucket, bucket.Prefix, err)
	}

	total := len(objects)
	processed := 0
	for _, obj := range objects {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue // directory marker
		}
		processed++

		keyAfterPrefix := strings.TrimLeft(strings.TrimPrefix(obj.Key, bucket.Prefix), "/")
		destPath := filepath.Join(stagingDir, bucket.Tenant, bucket.Purchaser, filepath.FromSlash(keyAfterPrefix))
		manifestKey := bucket.Tenant + "/" + obj.Key
		job := Job{
			ManifestKey: manifestKey,
			DestPath:    destPath,
			Brand:       bucket.Tenant,
			Purchaser:   bucket.Purchaser,
			Size:        obj.Size,
			ETag:        obj.ETag,
		}

		if _, hot := opts.AlreadyExtracted[destPath]; hot {
			job.Skipped = true
			res.Skipped++
			res.Files = append(res.Files, job)
			emitSkip(opts, res.Skipped, processed)
			emitSynced(opts, job)
			emitProgress(opts, &res, total)
			continue
		}

		skipped, sha, err := e.skipUnchanged(ctx, obj, destPath, manifestKey, bucket)
		if err != nil {
			res.Errors++
			e.logger.Warn("sync: skip check failed", "key", obj.Key, "error", err)
			emitProgress(opts, &res, total)
			continue
		}
		if skipped {
			job.Skipped = true
			job.SHA256 = sha
			res.Skipped++
			res.Files = append(res.Files, job)
			emitSkip(opts, res.Skipped, processed)
			emitSynced(opts, job)
			emitProgress(opts, &res, total)
			continue
		}

		if opts.LimitRemaining != nil && *opts.LimitRemaining <= 0 {
			break
		}
		if opts.OnStartDownload != nil {
			opts.OnStartDownload(destPath, manifestKey)
		}

		sha, err = e.download(ctx, bucket.Bucket, obj.Key, destPath)
		if err != nil {
			res.Errors++
			e.logger.Warn("sync: download failed", "key", obj.Key, "error", err)
			emitProgress(opts, &res, total)
			continue
		}
		job.SHA256 = sha
		now := time.Now()
		if err := e.store.RegisterFiles(ctx, []domain.FileEntry{{
			RelativePath: manifestKey,
			FullPath:     destPath,
			Brand:        bucket.Tenant,
			Purchaser:    bucket.Purchaser,
			Size:         obj.Size,
			ETag:         obj.ETag,
			SHA256:       sha,
			SyncedAt:     &now,
		}}); err != nil {
			res.Errors++
			e.logger.Warn("sync: register failed", "key", obj.Key, "error", err)
			emitProgress(opts, &res, total)
			continue
		}

		if opts.LimitRemaining != nil {
			*opts.LimitRemaining--
		}
		res.Synced++
		res.Files = append(res.Files, job)
		emitSynced(opts, job)
		emitProgress(opts, &res, total)
	}
	return res, nil
}

// skipUnchanged decides whether the local copy already matches the remote
// object. A structured manifest entry is compared by etag and size with no
// disk reads; a legacy entry forces a local rehash; a size-matching local
// file with no entry is adopted into the manifest (recovery path).
func (e *Engine) skipUnchanged(ctx context.Context, obj objectstore.ObjectInfo, destPath, manifestKey string, bucket config.BucketConfig) (bool, string, error) {
	info, err := os.Stat(destPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("stat %s: %w", destPath, err)
	}

	entry, err := e.store.GetFile(ctx, manifestKey)
	if err != nil {
		return false, "", err
	}

	switch {
	case entry != nil && !entry.Legacy() && entry.ETag != "":
		return entry.ETag == obj.ETag && entry.Size == obj.Size, entry.SHA256, nil

	case entry != nil && entry.Legacy():
		sha, err := hashFile(destPath)
		if err != nil {
			return false, "", err
		}
		return sha == entry.SHA256, sha, nil

	case entry == nil && info.Size() == obj.Size:
		sha, err := hashFile(destPath)
		if err != nil {
			return false, "", err
		}
		now := time.Now()
		if err := e.store.RegisterFiles(ctx, []domain.FileEntry{{
			RelativePath: manifestKey,
			FullPath:     destPath,
			Brand:        bucket.Tenant,
			Purchaser:    bucket.Purchaser,
			Size:         obj.Size,
			ETag:         obj.ETag,
			SHA256:       sha,
			SyncedAt:     &now,
		}}); err != nil {
			return false, "", err
		}
		return true, sha, nil
	}
	return false, "", nil
}

// download streams one object into destPath through a temp file, hashing as
// it goes, then renames into place so readers never see a partial file.
func (e *Engine) download(ctx context.Context, bucket, key, destPath string) (string, error) {
	body, err := e.client.GetObject(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(destPath), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tern-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("stream %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func emitSkip(opts Options, skipped, processed int) {
	if opts.OnSkipProgress != nil {
		opts.OnSkipProgress(skipped, processed)
	}
}

func emitSynced(opts Options, job Job) {
	if opts.OnFileSynced != nil {
		opts.OnFileSynced(job)
	}
}

// emitProgress reports (done, total). With a positive limit, done counts
// against the download budget; otherwise it counts processed files.
func emitProgress(opts Options, res *Result, discovered int) {
	if opts.OnProgress == nil {
		return
	}
	done := res.Synced + res.Skipped + res.Errors
	total := discovered
	if opts.InitialLimit > 0 && opts.LimitRemaining != nil {
		done = opts.InitialLimit - *opts.LimitRemaining
		total = opts.InitialLimit
	}
	if done > total {
		total = done
	}
	opts.OnProgress(done, total)
}
