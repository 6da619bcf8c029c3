package agent

import (
	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/assets"
	"github.com/visionsuit/gpu-agent/internal/workflow"
)

// buildCompletionParams echoes the effective generation parameters back to
// the controller. Values requested on the envelope win over those resolved
// from the workflow, and anything that isn't a simple scalar is dropped
// rather than guessed at.
func buildCompletionParams(job *api.DispatchEnvelope, base *assets.Resolved, loras []*assets.Resolved, params workflow.Context) api.CompletionParams {
	out := api.CompletionParams{
		Model: base.ComfyName,
		Seed:  job.Parameters.Seed,
	}

	if vae, ok := firstValue(params, "vae_name", "vae"); ok {
		out.VAE = coerceSimpleValue(vae)
	}
	if clip, ok := firstValue(params, "clip_name", "clip"); ok {
		out.Clip = coerceSimpleValue(clip)
	}

	if job.Parameters.Steps != nil {
		out.Steps = *job.Parameters.Steps
	} else {
		out.Steps = coerceSimpleValue(params["steps"])
	}

	if job.Parameters.CfgScale != nil {
		out.Cfg = *job.Parameters.CfgScale
	} else if cfg, ok := firstValue(params, "cfg", "cfg_scale"); ok {
		out.Cfg = coerceSimpleValue(cfg)
	}

	out.Sampler = coerceSimpleValue(params["sampler"])
	out.Scheduler = coerceSimpleValue(params["scheduler"])
	out.Denoise = coerceSimpleValue(params["denoise"])

	if resolution := job.Parameters.Resolution; resolution != nil {
		out.Width = resolution.Width
		out.Height = resolution.Height
	} else {
		out.Width = coerceSimpleValue(params["width"])
		out.Height = coerceSimpleValue(params["height"])
	}

	loraNames, _ := params["loras"].([]string)
	if len(loraNames) == 0 {
		for _, entry := range loras {
			loraNames = append(loraNames, entry.ComfyName)
		}
	}
	for _, name := range loraNames {
		out.Loras = append(out.Loras, api.LoraParam{Name: name})
	}

	return out
}

// coerceSimpleValue passes scalars through and rejects anything structured,
// so node connection lists resolved out of the workflow never leak into the
// completion payload.
func coerceSimpleValue(value any) any {
	switch value.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return value
	default:
		return nil
	}
}
