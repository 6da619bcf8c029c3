package workflow

import (
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/assets"
)

// Context is the resolved parameter set a job binds into its graph:
// validated envelope parameters, asset display names, workflow defaults
// and whatever extras the controller attached.
type Context map[string]any

const seedModulus = 1_000_000_000

// reservedContextKeys are owned by the envelope's typed parameters and
// cannot be overridden through extras or defaults, except for the
// overridable pair below.
var reservedContextKeys = map[string]bool{
	"prompt":          true,
	"negative_prompt": true,
	"seed":            true,
	"steps":           true,
	"cfg_scale":       true,
	"width":           true,
	"height":          true,
	"sampler":         true,
	"scheduler":       true,
}

var overridableContextKeys = map[string]bool{
	"sampler":   true,
	"scheduler": true,
}

// loraContextKeys are derived from the resolved LoRA set and never taken
// verbatim from extras.
var loraContextKeys = map[string]bool{
	"loras":                       true,
	"primary_lora_name":           true,
	"primary_lora_strength_model": true,
	"primary_lora_strength_clip":  true,
}

// BuildContext validates the envelope parameters and assembles the
// resolved context. Normalized values are written back into the envelope
// so manifests and completion callbacks report what actually ran.
// Precedence, lowest first: workflow defaults, then envelope extras.
func BuildContext(job *api.DispatchEnvelope, base *assets.Resolved, loras []*assets.Resolved, defaults map[string]any) (Context, error) {
	prompt := strings.TrimSpace(job.Parameters.Prompt)
	negative := strings.TrimSpace(job.Parameters.NegativePrompt)
	steps, err := requirePositiveInt(job.Parameters.Steps, "steps")
	if err != nil {
		return nil, err
	}
	cfgScale, err := requireCfgScale(job.Parameters.CfgScale)
	if err != nil {
		return nil, err
	}
	seed := normalizeSeed(job.Parameters.Seed)
	resolution, err := requireResolution(job.Parameters.Resolution)
	if err != nil {
		return nil, err
	}

	job.Parameters.Prompt = prompt
	job.Parameters.NegativePrompt = negative
	job.Parameters.Steps = &steps
	job.Parameters.CfgScale = &cfgScale
	job.Parameters.Seed = &seed
	job.Parameters.Resolution = &resolution

	loraNames := make([]string, 0, len(loras))
	for _, entry := range loras {
		loraNames = append(loraNames, entry.ComfyName)
	}

	ctx := Context{
		"prompt":               prompt,
		"negative_prompt":      negative,
		"seed":                 seed,
		"cfg_scale":            cfgScale,
		"steps":                steps,
		"width":                resolution.Width,
		"height":               resolution.Height,
		"base_model_path":      base.ComfyName,
		"base_model_name":      base.ComfyName,
		"base_model_full_path": base.CachePath,
		"loras":                loraNames,
	}

	metadata := extractLoraMetadata(job.Parameters.Extra)
	if len(metadata) > 0 {
		ctx["loras_metadata"] = metadata
	}
	for key, value := range derivePrimaryLoraContext(loras, metadata) {
		ctx[key] = value
	}

	for key, value := range defaults {
		if reservedContextKeys[key] && !overridableContextKeys[key] {
			continue
		}
		if _, exists := ctx[key]; !exists && value != nil {
			ctx[key] = value
		}
	}
	for key, value := range job.Parameters.Extra {
		if loraContextKeys[key] {
			continue
		}
		if reservedContextKeys[key] && !overridableContextKeys[key] {
			continue
		}
		ctx[key] = value
	}

	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	for key, value := range ctx {
		if value == nil {
			delete(ctx, key)
		}
	}
	return ctx, nil
}

// validateContext coerces and re-checks the numeric parameters after
// defaults and extras merged in, and requires non-empty sampler and
// scheduler names. All problems aggregate into one failure.
func validateContext(ctx Context) error {
	var invalid []string

	for _, key := range []string{"steps", "width", "height"} {
		normalized, ok := coercePositiveInt(ctx[key])
		if !ok {
			invalid = append(invalid, key)
			continue
		}
		ctx[key] = normalized
	}

	if cfg, ok := asFloat(ctx["cfg_scale"]); ok && cfg > 0 {
		ctx["cfg_scale"] = round2(cfg)
	} else {
		invalid = append(invalid, "cfg_scale")
	}

	for _, key := range []string{"sampler", "scheduler"} {
		value, _ := ctx[key].(string)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			invalid = append(invalid, key)
			continue
		}
		ctx[key] = trimmed
	}

	if len(invalid) > 0 {
		sort.Strings(invalid)
		return validationErrorf("missing or invalid required workflow parameters: %s", strings.Join(invalid, ", "))
	}
	return nil
}

func requirePositiveInt(value *int, field string) (int, error) {
	if value == nil || *value <= 0 {
		return 0, validationErrorf("job parameter %q must be a positive integer", field)
	}
	return *value, nil
}

func requireCfgScale(value *float64) (float64, error) {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) || *value <= 0 {
		return 0, validationErrorf("job parameter %q must be a positive number", "cfgScale")
	}
	return round2(*value), nil
}

func requireResolution(resolution *api.Resolution) (api.Resolution, error) {
	if resolution == nil {
		return api.Resolution{}, validationErrorf("job parameter %q must include width and height values", "resolution")
	}
	if resolution.Width <= 0 {
		return api.Resolution{}, validationErrorf("job parameter %q must be a positive integer", "resolution.width")
	}
	if resolution.Height <= 0 {
		return api.Resolution{}, validationErrorf("job parameter %q must be a positive integer", "resolution.height")
	}
	return *resolution, nil
}

// normalizeSeed folds any envelope seed into [0, 1e9); a missing seed is
// generated from the system's CSPRNG.
func normalizeSeed(value *int64) int64 {
	if value == nil {
		return generateSeed()
	}
	seed := *value % seedModulus
	if seed < 0 {
		seed = -seed
	}
	return seed
}

func generateSeed() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(seedModulus))
	if err != nil {
		return time.Now().UnixNano() % seedModulus
	}
	return n.Int64()
}

func coercePositiveInt(value any) (int, bool) {
	numeric, ok := asFloat(value)
	if !ok {
		return 0, false
	}
	normalized := int(math.Round(numeric))
	if normalized <= 0 {
		return 0, false
	}
	return normalized, true
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// extractLoraMetadata copies the per-LoRA metadata maps out of the
// envelope extras. Entries are shallow copies so the context never
// aliases the envelope.
func extractLoraMetadata(extra map[string]any) []map[string]any {
	entries, ok := extra["loras"].([]any)
	if !ok {
		return nil
	}
	var metadata []map[string]any
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		clone := make(map[string]any, len(entry))
		for key, value := range entry {
			clone[key] = value
		}
		metadata = append(metadata, clone)
	}
	return metadata
}

// derivePrimaryLoraContext seeds the primary_lora_* keys from the first
// resolved LoRA and whatever strength its metadata declares.
func derivePrimaryLoraContext(loras []*assets.Resolved, metadata []map[string]any) map[string]any {
	if len(loras) == 0 {
		return nil
	}
	primary := loras[0]
	strength := normalizedStrength(matchLoraMetadata(primary, metadata))
	return map[string]any{
		"primary_lora_name":           primary.ComfyName,
		"primary_lora_strength_model": strength,
		"primary_lora_strength_clip":  strength,
	}
}

// matchLoraMetadata finds the metadata entry naming the resolved LoRA,
// falling back to the first entry when nothing matches.
func matchLoraMetadata(target *assets.Resolved, metadata []map[string]any) map[string]any {
	for _, entry := range metadata {
		for _, field := range []string{"filename", "key", "name", "title", "id", "slug"} {
			value, ok := entry[field].(string)
			if ok && assets.NormalizeName(value) == target.ComfyName {
				return entry
			}
		}
	}
	if len(metadata) > 0 {
		return metadata[0]
	}
	return nil
}

// normalizedStrength reads the strength from a metadata entry, preferring
// strength_model over strength_clip over strength, then clamps to
// [-2.0, 2.0] and rounds to two decimals. No usable value means 1.0.
func normalizedStrength(entry map[string]any) float64 {
	if entry == nil {
		return 1.0
	}
	for _, field := range []string{"strength_model", "strength_clip", "strength"} {
		value, ok := asFloat(entry[field])
		if !ok {
			continue
		}
		return round2(math.Max(-2.0, math.Min(2.0, value)))
	}
	return 1.0
}

// SynchronizeLoraContext reconciles the context and the envelope extras
// with the loaders actually placed in the graph: primary_lora_* keys
// follow the applied chain, metadata entries pick up final filenames and
// strengths, and the ordered name list is replaced.
func SynchronizeLoraContext(job *api.DispatchEnvelope, ctx Context, resolved []*assets.Resolved, applied []AppliedLora) {
	extra := job.Parameters.Extra
	if extra == nil {
		extra = map[string]any{}
		job.Parameters.Extra = extra
	}

	names := make([]string, 0, len(applied))
	strengths := make(map[string]float64, len(applied))
	for _, entry := range applied {
		names = append(names, entry.Name)
		strengths[entry.Name] = entry.Strength
	}

	if len(applied) > 0 {
		primary := applied[0]
		ctx["primary_lora_name"] = primary.Name
		ctx["primary_lora_strength_model"] = primary.Strength
		ctx["primary_lora_strength_clip"] = primary.Strength
		extra["primary_lora_name"] = primary.Name
		extra["primary_lora_strength_model"] = primary.Strength
		extra["primary_lora_strength_clip"] = primary.Strength
	} else {
		for key := range loraContextKeys {
			if key == "loras" {
				continue
			}
			delete(ctx, key)
			delete(extra, key)
		}
	}

	if entries, ok := extra["loras"].([]any); ok && len(resolved) > 0 {
		for index, raw := range entries {
			entry, ok := raw.(map[string]any)
			if !ok || index >= len(resolved) {
				continue
			}
			entry["filename"] = resolved[index].ComfyName
			original := resolved[index].Asset.OriginalName
			if original == "" {
				original, _ = entry["originalName"].(string)
			}
			if original != "" {
				entry["originalName"] = assets.NormalizeName(original)
			}
			if strength, ok := strengths[resolved[index].ComfyName]; ok {
				entry["strength"] = strength
			}
		}
	} else if len(applied) == 0 {
		delete(extra, "loras")
	}

	ctx["loras"] = names
}
