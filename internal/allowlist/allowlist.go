// Package allowlist keeps a TTL-scoped view of the model, VAE, CLIP and
// LoRA file names the renderer will accept, sourced from its object_info
// endpoint with a filesystem scan as fallback.
package allowlist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/roko"

	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/internal/assets"
	"github.com/visionsuit/gpu-agent/internal/workflow"
	"github.com/visionsuit/gpu-agent/logger"
)

// trackedKeys are the loader input names the filesystem fallback can answer
// for. The object_info endpoint may advertise further keys; those are
// enforced as well once seen.
var trackedKeys = map[string][]string{
	"ckpt_name":         {"base_models"},
	"refiner_ckpt_name": {"base_models"},
	"model_name":        {"base_models"},
	"vae_name":          {"vae"},
	"clip_name":         {"clip"},
	"lora_name":         {"loras"},
}

// sectionKeys mark the nesting levels of an object_info payload that are
// walked through rather than treated as input names.
var sectionKeys = map[string]struct{}{
	"input":    {},
	"inputs":   {},
	"required": {},
	"optional": {},
	"hidden":   {},
}

// ObjectInfoClient is the slice of the renderer client the oracle needs.
type ObjectInfoClient interface {
	ObjectInfo(ctx context.Context) (map[string]any, error)
}

// NameSet is a set of normalized file names allowed for one input key.
type NameSet map[string]struct{}

// Oracle answers whether the file names a workflow references are loadable
// by the renderer right now.
type Oracle struct {
	logger logger.Logger
	client ObjectInfoClient
	paths  agentconfig.Paths
	conf   agentconfig.ComfyUI

	mu        sync.Mutex
	cached    map[string]NameSet
	fetchedAt time.Time
}

// New returns an Oracle backed by client, falling back to scans of the
// model directories in paths.
func New(l logger.Logger, client ObjectInfoClient, paths agentconfig.Paths, conf agentconfig.ComfyUI) *Oracle {
	return &Oracle{
		logger: l,
		client: client,
		paths:  paths,
		conf:   conf,
	}
}

// AllowedNames returns the current allow list keyed by loader input name.
// Results are cached for the configured TTL. The returned map is shared;
// callers must not mutate it.
func (o *Oracle) AllowedNames(ctx context.Context) (map[string]NameSet, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ttl := o.conf.AllowlistTTL()
	if o.cached != nil && time.Since(o.fetchedAt) < ttl {
		return o.cached, nil
	}

	allowed := o.fetch(ctx)
	o.cached = allowed
	o.fetchedAt = time.Now()
	return allowed, nil
}

// Invalidate drops the cached allow list so the next lookup fetches fresh
// state. Called after new files have been materialized into the model
// directories.
func (o *Oracle) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cached = nil
	o.fetchedAt = time.Time{}
}

// Check verifies every string input of the workflow against the allow list
// for its input key. Inputs whose key has no advertised names are skipped.
// All violations are aggregated into a single validation error.
func (o *Oracle) Check(ctx context.Context, doc workflow.Document) error {
	allowed, err := o.AllowedNames(ctx)
	if err != nil {
		return err
	}

	var violations []string
	for _, nodeID := range sortedKeys(doc) {
		node, ok := doc[nodeID].(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range sortedKeys(inputs) {
			value, ok := inputs[key].(string)
			if !ok {
				continue
			}
			names := allowed[key]
			if len(names) == 0 {
				continue
			}
			normalized := assets.NormalizeName(value)
			if _, ok := names[normalized]; !ok {
				violations = append(violations, fmt.Sprintf("%s='%s' rejected for node %s", key, normalized, nodeID))
			}
		}
	}

	if len(violations) > 0 {
		return &workflow.ValidationError{Message: strings.Join(violations, "; ")}
	}
	return nil
}

// EnsureVisible confirms that every name is advertised under key, dropping
// the cache and retrying with the model refresh delay in between. Callers
// treat a failure as advisory: the renderer may still pick the file up at
// load time.
func (o *Oracle) EnsureVisible(ctx context.Context, key string, names []string) error {
	if len(names) == 0 {
		return nil
	}

	return roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(o.conf.ModelRefreshDelay())),
	).DoWithContext(ctx, func(*roko.Retrier) error {
		allowed, err := o.AllowedNames(ctx)
		if err != nil {
			return err
		}

		var missing []string
		for _, name := range names {
			if _, ok := allowed[key][assets.NormalizeName(name)]; !ok {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		o.Invalidate()
		return fmt.Errorf("renderer does not advertise %s entries: %s", key, strings.Join(missing, ", "))
	})
}

// fetch builds a fresh allow list, preferring the renderer's object_info
// payload and scanning the model directories when that fails or comes back
// empty.
func (o *Oracle) fetch(ctx context.Context) map[string]NameSet {
	info, err := o.client.ObjectInfo(ctx)
	if err != nil {
		o.logger.Warn("Fetching object_info failed, falling back to filesystem scan: %v", err)
		return o.scanFilesystem()
	}

	allowed := make(map[string]NameSet)
	collectNames(info, allowed)
	if len(allowed) == 0 {
		o.logger.Warn("object_info advertised no loadable names, falling back to filesystem scan")
		return o.scanFilesystem()
	}
	return allowed
}

// collectNames walks an object_info payload and gathers the choice lists
// it advertises, keyed by input name. An input spec is a list whose first
// element is either a type name or, for combo inputs, the list of allowed
// values; a string default in the trailing options also counts.
func collectNames(value any, into map[string]NameSet) {
	payload, ok := value.(map[string]any)
	if !ok {
		return
	}
	for key, entry := range payload {
		if _, ok := sectionKeys[key]; ok {
			collectNames(entry, into)
			continue
		}
		switch spec := entry.(type) {
		case map[string]any:
			if choices, ok := spec["choices"].([]any); ok {
				addChoices(into, key, choices)
				if fallback, ok := spec["default"].(string); ok {
					addName(into, key, fallback)
				}
				continue
			}
			collectNames(spec, into)
		case []any:
			if len(spec) == 0 {
				continue
			}
			choices, ok := spec[0].([]any)
			if !ok {
				continue
			}
			addChoices(into, key, choices)
			for _, extra := range spec[1:] {
				options, ok := extra.(map[string]any)
				if !ok {
					continue
				}
				if fallback, ok := options["default"].(string); ok {
					addName(into, key, fallback)
				}
			}
		}
	}
}

func addChoices(into map[string]NameSet, key string, choices []any) {
	for _, choice := range choices {
		if name, ok := choice.(string); ok {
			addName(into, key, name)
		}
	}
}

func addName(into map[string]NameSet, key, name string) {
	normalized := assets.NormalizeName(name)
	if normalized == "" {
		return
	}
	set, ok := into[key]
	if !ok {
		set = NameSet{}
		into[key] = set
	}
	set[normalized] = struct{}{}
}

// scanFilesystem derives the allow list from the model directories. The VAE
// and CLIP directories are siblings of the base model directory, matching
// the renderer's standard layout.
func (o *Oracle) scanFilesystem() map[string]NameSet {
	parent := filepath.Dir(o.paths.BaseModels)
	directories := map[string]string{
		"base_models": o.paths.BaseModels,
		"vae":         filepath.Join(parent, "vae"),
		"clip":        filepath.Join(parent, "clip"),
		"loras":       o.paths.Loras,
	}

	allowed := make(map[string]NameSet)
	for key, roles := range trackedKeys {
		for _, role := range roles {
			for _, name := range listSafetensors(directories[role]) {
				addName(allowed, key, name)
			}
		}
	}
	return allowed
}

func listSafetensors(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".safetensors") {
			names = append(names, entry.Name())
		}
	}
	return names
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
