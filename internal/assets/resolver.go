package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/logger"
)

// ObjectStore is the slice of the object store client the resolver needs.
type ObjectStore interface {
	Download(ctx context.Context, bucket, key, dest string) error
	HeadMetadata(ctx context.Context, bucket, key string) map[string]string
}

// Resolved describes a materialized asset: where its payload lives, the
// name the renderer sees, and what this job changed on disk so cleanup can
// undo exactly that.
type Resolved struct {
	Asset       api.AssetRef
	CachePath   string
	ComfyName   string
	LinkPath    string
	Downloaded  bool
	LinkCreated bool
}

// Resolver materializes dispatch assets into the renderer's directories.
// Symlink capability is probed per directory and remembered for the
// process lifetime.
type Resolver struct {
	store          ObjectStore
	log            logger.Logger
	baseModelsDir  string
	lorasDir       string
	symlinkSupport *xsync.MapOf[string, bool]
}

func NewResolver(l logger.Logger, store ObjectStore, paths agentconfig.Paths) *Resolver {
	return &Resolver{
		store:          store,
		log:            l,
		baseModelsDir:  paths.BaseModels,
		lorasDir:       paths.Loras,
		symlinkSupport: xsync.NewMapOf[bool](),
	}
}

// materializeSpec carries the naming decisions for one copy-mode
// materialization.
type materializeSpec struct {
	prettyPath string
	cacheDir   string
	cacheName  string
	sourceName string
	asset      api.AssetRef
	kind       string
	replace    bool
}

// EnsureBaseModel materializes the checkpoint under its pretty name in the
// base models directory, downloading into the shared cache only when the
// payload isn't already present.
func (r *Resolver) EnsureBaseModel(ctx context.Context, asset api.AssetRef) (*Resolved, error) {
	baseDir := r.baseModelsDir
	cacheDir := filepath.Join(baseDir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating base model cache: %w", err)
	}

	sourceName := path.Base(asset.Key)
	cacheName := EnsureExtension(sourceName, DefaultExtension)
	displayName := r.resolveDisplayName(ctx, asset, cacheName)
	prettyPath := filepath.Join(baseDir, displayName)

	useSymlink, err := r.SupportsSymlinks(baseDir)
	if err != nil {
		return nil, err
	}

	// In copy mode an existing pretty file is itself the cache entry.
	cachePath := filepath.Join(cacheDir, cacheName)
	if !useSymlink && isRegularFile(prettyPath) {
		cachePath = prettyPath
	}

	// Older agent builds cached under the raw source name.
	r.migrateLegacyCache(filepath.Join(cacheDir, sourceName), cachePath, "base model")

	downloaded, err := r.ensureCached(ctx, asset, cachePath, "base model")
	if err != nil {
		return nil, err
	}

	spec := materializeSpec{
		prettyPath: prettyPath,
		cacheDir:   cacheDir,
		cacheName:  cacheName,
		sourceName: sourceName,
		asset:      asset,
		kind:       "base model",
	}

	if !useSymlink {
		return r.materializeWithoutSymlink(ctx, spec, downloaded)
	}

	linkPath, created, err := r.EnsureSymlink(prettyPath, cachePath, asset.Key, false)
	if err != nil {
		var unsupported *SymlinkUnsupportedError
		if errors.As(err, &unsupported) {
			return r.materializeWithoutSymlink(ctx, spec, downloaded)
		}
		return nil, err
	}

	return &Resolved{
		Asset:       asset,
		CachePath:   cachePath,
		ComfyName:   NormalizeName(filepath.Base(linkPath)),
		LinkPath:    linkPath,
		Downloaded:  downloaded,
		LinkCreated: created,
	}, nil
}

// EnsureLoras materializes every LoRA in envelope order. Each gets a
// job-scoped visible name; the first may be retitled by the envelope's
// primary_lora_name override, displacing whatever held that name before.
func (r *Resolver) EnsureLoras(ctx context.Context, job *api.DispatchEnvelope) ([]*Resolved, error) {
	if len(job.Loras) == 0 {
		return nil, nil
	}

	lookup := lorasFilenameLookup(job)
	primaryOverride := primaryLoraOverride(job)
	cacheDir := r.lorasDir
	legacyCacheDir := filepath.Join(cacheDir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating LoRA directory: %w", err)
	}

	useSymlink, err := r.SupportsSymlinks(cacheDir)
	if err != nil {
		return nil, err
	}

	used := map[string]bool{}
	resolved := make([]*Resolved, 0, len(job.Loras))

	for index, asset := range job.Loras {
		sourceName := path.Base(asset.Key)
		cacheName := EnsureExtension(sourceName, DefaultExtension)

		isPrimary := index == 0 && primaryOverride != ""
		var override, displayCandidate string
		if isPrimary {
			override = EnsureExtension(primaryOverride, DefaultExtension)
			displayCandidate = override
		} else {
			override = EnsureExtension(resolveLoraFilename(asset, lookup), DefaultExtension)
			displayCandidate = r.resolveDisplayName(ctx, asset, override)
		}

		visibleName := VisibleLoraName(job, asset, displayCandidate, index, used)
		prettyPath := filepath.Join(cacheDir, visibleName)

		cachePath := filepath.Join(cacheDir, cacheName)
		if !useSymlink && isRegularFile(prettyPath) {
			cachePath = prettyPath
		}

		if !pathPresent(cachePath) && pathPresent(legacyCacheDir) {
			for _, legacy := range []string{
				filepath.Join(legacyCacheDir, cacheName),
				filepath.Join(legacyCacheDir, sourceName),
			} {
				if !pathPresent(legacy) {
					continue
				}
				if err := os.Rename(legacy, cachePath); err != nil {
					r.log.Debug("Failed to migrate legacy LoRA cache %s: %v", legacy, err)
					continue
				}
				r.log.Debug("Migrated legacy LoRA cache %s to %s", legacy, cachePath)
				break
			}
		}

		downloaded, err := r.ensureCached(ctx, asset, cachePath, "LoRA")
		if err != nil {
			return nil, err
		}

		if filepath.Dir(cachePath) == filepath.Clean(cacheDir) {
			if isPrimary {
				cachePath, err = r.preparePrimaryLoraCache(cacheDir, cachePath, override)
				if err != nil {
					return nil, err
				}
			}
			cacheName = filepath.Base(cachePath)
		}

		spec := materializeSpec{
			prettyPath: prettyPath,
			cacheDir:   cacheDir,
			cacheName:  cacheName,
			sourceName: sourceName,
			asset:      asset,
			kind:       "LoRA",
			replace:    isPrimary,
		}

		if !useSymlink {
			entry, err := r.materializeWithoutSymlink(ctx, spec, downloaded)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, entry)
			continue
		}

		linkPath, created, err := r.EnsureSymlink(prettyPath, cachePath, asset.Key, isPrimary)
		if err != nil {
			var unsupported *SymlinkUnsupportedError
			if !errors.As(err, &unsupported) {
				return nil, err
			}
			useSymlink = false
			entry, err := r.materializeWithoutSymlink(ctx, spec, downloaded)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, entry)
			continue
		}

		resolved = append(resolved, &Resolved{
			Asset:       asset,
			CachePath:   cachePath,
			ComfyName:   NormalizeName(filepath.Base(linkPath)),
			LinkPath:    linkPath,
			Downloaded:  downloaded,
			LinkCreated: created,
		})
	}

	return resolved, nil
}

// resolveDisplayName prefers envelope names, then object store metadata,
// then the fallback.
func (r *Resolver) resolveDisplayName(ctx context.Context, asset api.AssetRef, fallback string) string {
	candidate := asset.DisplayName
	if candidate == "" {
		candidate = asset.OriginalName
	}
	if candidate == "" {
		meta := r.store.HeadMetadata(ctx, asset.Bucket, asset.Key)
		for _, key := range []string{"original-name", "original_name", "display-name"} {
			if meta[key] != "" {
				candidate = meta[key]
				break
			}
		}
	}
	return DerivePrettyName(candidate, fallback)
}

// ensureCached downloads the object into cachePath unless it's already
// there. A file lock serializes concurrent downloads of the same cache
// entry across agent processes that share the directory.
func (r *Resolver) ensureCached(ctx context.Context, asset api.AssetRef, cachePath, kind string) (bool, error) {
	if pathPresent(cachePath) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return false, fmt.Errorf("creating directory for %s: %w", cachePath, err)
	}

	lock := flock.New(cachePath + ".lock")
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("locking cache entry for %s: %w", asset.Key, err)
	}
	defer lock.Unlock()

	if pathPresent(cachePath) {
		return false, nil
	}
	r.log.Info("Downloading %s %s", kind, asset.Key)
	if err := r.store.Download(ctx, asset.Bucket, asset.Key, cachePath); err != nil {
		return false, err
	}
	return true, nil
}

// migrateLegacyCache renames an old-layout cache entry into place. Failures
// only cost a re-download, so they're logged and ignored.
func (r *Resolver) migrateLegacyCache(legacy, cachePath, kind string) {
	if pathPresent(cachePath) || !pathPresent(legacy) {
		return
	}
	if filepath.Clean(legacy) == filepath.Clean(cachePath) {
		return
	}
	if err := os.Rename(legacy, cachePath); err != nil {
		r.log.Debug("Failed to migrate legacy %s cache %s: %v", kind, legacy, err)
		return
	}
	r.log.Debug("Migrated legacy %s cache %s to %s", kind, legacy, cachePath)
}

// preparePrimaryLoraCache retitles the primary LoRA's cache file to the
// override name, displacing an unrelated occupant. Rename failures fall
// back to copy-and-delete.
func (r *Resolver) preparePrimaryLoraCache(cacheDir, cachePath, overrideName string) (string, error) {
	desired := filepath.Join(cacheDir, overrideName)
	if filepath.Clean(cachePath) == filepath.Clean(desired) {
		return cachePath, nil
	}
	if err := os.MkdirAll(filepath.Dir(desired), 0o755); err != nil {
		return "", err
	}
	if pathPresent(desired) {
		if same, err := sameFile(desired, cachePath); err == nil && same {
			return desired, nil
		}
		if err := removePath(desired); err != nil {
			return "", fmt.Errorf("displacing %s: %w", desired, err)
		}
	}
	if err := os.Rename(cachePath, desired); err == nil {
		r.log.Debug("Retitled primary LoRA cache %s to %s", cachePath, desired)
		return desired, nil
	}
	if err := copyFile(cachePath, desired); err != nil {
		return "", fmt.Errorf("copying primary LoRA cache %s to %s: %w", cachePath, desired, err)
	}
	if err := os.Remove(cachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.log.Debug("Failed to remove %s after copy: %v", cachePath, err)
	}
	r.log.Debug("Copied primary LoRA cache %s into %s after rename failure", cachePath, desired)
	return desired, nil
}

// materializeWithoutSymlink places the payload directly at the pretty path:
// clear any stale link, reuse a cached copy by renaming it into place, and
// download only as a last resort.
func (r *Resolver) materializeWithoutSymlink(ctx context.Context, spec materializeSpec, alreadyDownloaded bool) (*Resolved, error) {
	if err := os.MkdirAll(filepath.Dir(spec.prettyPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", spec.prettyPath, err)
	}
	if isSymlink(spec.prettyPath) {
		if err := os.Remove(spec.prettyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if spec.replace && pathPresent(spec.prettyPath) {
		if err := removePath(spec.prettyPath); err != nil {
			return nil, err
		}
	}

	created := !pathPresent(spec.prettyPath)
	downloaded := false
	if created || spec.replace {
		for _, candidate := range []string{
			filepath.Join(spec.cacheDir, spec.cacheName),
			filepath.Join(spec.cacheDir, spec.sourceName),
		} {
			if !pathPresent(candidate) {
				continue
			}
			if filepath.Clean(candidate) == filepath.Clean(spec.prettyPath) {
				created = false
				break
			}
			if err := os.Rename(candidate, spec.prettyPath); err != nil {
				r.log.Debug("Failed to migrate cached %s %s into %s: %v", spec.kind, candidate, spec.prettyPath, err)
				continue
			}
			r.log.Debug("Migrated cached %s %s into %s", spec.kind, candidate, spec.prettyPath)
			break
		}
		if !pathPresent(spec.prettyPath) {
			r.log.Info("Downloading %s %s", spec.kind, spec.asset.Key)
			if err := r.store.Download(ctx, spec.asset.Bucket, spec.asset.Key, spec.prettyPath); err != nil {
				return nil, err
			}
			downloaded = true
		}
	}

	return &Resolved{
		Asset:       spec.asset,
		CachePath:   spec.prettyPath,
		ComfyName:   NormalizeName(filepath.Base(spec.prettyPath)),
		LinkPath:    spec.prettyPath,
		Downloaded:  alreadyDownloaded || downloaded,
		LinkCreated: created,
	}, nil
}

// Cleanup removes the ephemeral files a job materialized, honoring the
// cleanup policy, per-asset cache strategy and configured pins. Errors are
// logged, never propagated: cleanup must not turn a finished job into a
// failed one.
func (r *Resolver) Cleanup(base *Resolved, loras []*Resolved, policy agentconfig.Cleanup, pinned func(string) bool) {
	persistent := func(entry *Resolved) bool {
		if entry.Asset.Persistent() {
			return true
		}
		return pinned != nil && pinned(entry.Asset.Key)
	}

	if base != nil && policy.DeleteDownloadedModels {
		if !persistent(base) && base.Downloaded {
			r.log.Info("Removing temporary model %s", base.CachePath)
			if err := os.Remove(base.CachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.log.Warn("Failed to remove model %s: %v", base.CachePath, err)
			}
		}
		if !persistent(base) && base.LinkCreated && isSymlink(base.LinkPath) {
			if err := os.Remove(base.LinkPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				r.log.Debug("Failed to remove model symlink %s: %v", base.LinkPath, err)
			}
		}
	}

	if policy.DeleteDownloadedLoras {
		for _, entry := range loras {
			if persistent(entry) {
				continue
			}
			if entry.Downloaded {
				r.log.Info("Removing temporary LoRA %s", entry.CachePath)
				if err := os.Remove(entry.CachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
					r.log.Warn("Failed to remove LoRA %s: %v", entry.CachePath, err)
				}
			}
			if entry.LinkCreated && isSymlink(entry.LinkPath) {
				if err := os.Remove(entry.LinkPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
					r.log.Debug("Failed to remove LoRA symlink %s: %v", entry.LinkPath, err)
				}
			}
		}
	}
}

// AnyMaterialized reports whether any asset was freshly downloaded or
// linked, which is when the renderer needs a model rescan before it can
// see the new names.
func AnyMaterialized(base *Resolved, loras []*Resolved) bool {
	if base != nil && (base.Downloaded || base.LinkCreated) {
		return true
	}
	for _, entry := range loras {
		if entry != nil && (entry.Downloaded || entry.LinkCreated) {
			return true
		}
	}
	return false
}
