// Package assets materializes base models and LoRAs from the object store
// into the renderer's model directories, preferring symlinked pretty names
// over copies and keeping a shared download cache per directory.
package assets

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/visionsuit/gpu-agent/api"
)

// DefaultExtension is assumed whenever an asset name carries no extension.
const DefaultExtension = ".safetensors"

var slugPattern = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// NormalizeName strips an asset name down to its final path element so a
// hostile or sloppy envelope can't point outside the model directories.
func NormalizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}

// splitExt splits a file name into stem and extension the way the naming
// scheme wants: a bare dotfile is all stem, no extension.
func splitExt(name string) (stem, ext string) {
	ext = path.Ext(name)
	if ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// EnsureExtension normalizes name and guarantees it ends in an extension,
// defaulting the stem to "model" and the extension to fallback.
func EnsureExtension(name, fallback string) string {
	if fallback == "" {
		fallback = DefaultExtension
	}
	normalized := NormalizeName(name)
	stem, ext := splitExt(normalized)
	if ext == "" {
		ext = fallback
	}
	if stem == "" {
		stem = "model"
	}
	return stem + ext
}

// DerivePrettyName picks the human-facing file name for an asset: the
// display name when present, otherwise the fallback, always normalized and
// carrying an extension.
func DerivePrettyName(displayName, fallbackName string) string {
	preferred := ""
	if displayName != "" {
		preferred = NormalizeName(displayName)
	}
	base := preferred
	if base == "" {
		base = NormalizeName(fallbackName)
	}
	if base == "" {
		base = "model"
	}
	return EnsureExtension(base, DefaultExtension)
}

// CollisionSuffix derives a stable 6-hex-digit tag from a source string,
// used to de-duplicate pretty names that point at different objects.
func CollisionSuffix(source string) string {
	digest := sha1.Sum([]byte(source))
	return hex.EncodeToString(digest[:])[:6]
}

// SlugComponent reduces a free-form value to a filesystem-safe slug of at
// most length runes, falling back when nothing survives.
func SlugComponent(value, fallback string, length int) string {
	base := ""
	if value != "" {
		base = NormalizeName(value)
	}
	candidate := base
	if candidate == "" {
		candidate = fallback
	}
	candidate = strings.Trim(slugPattern.ReplaceAllString(candidate, "-"), "-_.")
	if candidate == "" {
		candidate = fallback
	}
	if len(candidate) > length {
		trimmed := strings.TrimRight(candidate[:length], "-_.")
		if trimmed == "" {
			trimmed = candidate[:length]
		}
		candidate = trimmed
	}
	if candidate == "" {
		return fallback
	}
	return candidate
}

// VisibleLoraName builds the renderer-facing LoRA file name. Names embed
// the owner and a short job tag so concurrent users can't clobber each
// other's uploads, and collide into counter-suffixed variants inside one
// job.
func VisibleLoraName(job *api.DispatchEnvelope, asset api.AssetRef, displayName string, index int, used map[string]bool) string {
	fallback := fmt.Sprintf("lora%d", index+1)
	stem, _ := splitExt(NormalizeName(displayName))
	if stem == "" {
		stem = fallback
	}
	base := SlugComponent(stem, fallback, 32)

	ownerSource := job.User.Username
	if ownerSource == "" {
		ownerSource = job.User.ID
	}
	owner := SlugComponent(ownerSource, "user", 12)
	jobShort := CollisionSuffix(job.JobID)

	candidate := fmt.Sprintf("%s__%s__%s.safetensors", base, owner, jobShort)
	for counter := 1; used[candidate]; counter++ {
		suffix := CollisionSuffix(fmt.Sprintf("%s:%d", asset.Key, counter))
		candidate = fmt.Sprintf("%s__%s__%s__%s.safetensors", base, owner, jobShort, suffix)
	}
	used[candidate] = true
	return candidate
}

// lorasFilenameLookup indexes the envelope's LoRA metadata entries by key,
// key basename, id and slug so materialization can recover the intended
// file name for assets that arrive without one.
func lorasFilenameLookup(job *api.DispatchEnvelope) map[string]string {
	lookup := map[string]string{}
	entries, ok := job.Parameters.Extra["loras"].([]any)
	if !ok {
		return lookup
	}
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		filename, _ := entry["filename"].(string)
		if filename == "" {
			filename, _ = entry["originalName"].(string)
		}
		sanitized := NormalizeName(filename)
		if sanitized == "" {
			continue
		}
		if key, ok := entry["key"].(string); ok && key != "" {
			lookup[key] = sanitized
			lookup[path.Base(key)] = sanitized
		}
		if id, ok := entry["id"].(string); ok && id != "" {
			lookup[id] = sanitized
		}
		if slug, ok := entry["slug"].(string); ok && slug != "" {
			lookup[slug] = sanitized
		}
	}
	return lookup
}

// primaryLoraOverride returns the sanitized primary_lora_name from the
// envelope extras, or "" when absent.
func primaryLoraOverride(job *api.DispatchEnvelope) string {
	primary, ok := job.Parameters.Extra["primary_lora_name"].(string)
	if !ok {
		return ""
	}
	return NormalizeName(primary)
}

// resolveLoraFilename picks the source file name for a LoRA: its own
// original or display name, a metadata lookup hit, or the key's basename.
func resolveLoraFilename(asset api.AssetRef, lookup map[string]string) string {
	if asset.OriginalName != "" {
		if original := NormalizeName(asset.OriginalName); original != "" {
			return original
		}
	}
	if asset.DisplayName != "" {
		if display := NormalizeName(asset.DisplayName); display != "" {
			return display
		}
	}
	for _, candidate := range []string{asset.Key, path.Base(asset.Key)} {
		if name, ok := lookup[candidate]; ok {
			return name
		}
	}
	return path.Base(asset.Key)
}
