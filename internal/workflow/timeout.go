package workflow

import (
	"time"

	"github.com/visionsuit/gpu-agent/internal/agentconfig"
)

// ComputeTimeout derives the render deadline: base timeout plus per-step
// padding, stretched by the img2img multiplier when the graph contains a
// low-denoise pass.
func ComputeTimeout(conf agentconfig.ComfyUI, doc Document, ctx Context) (time.Duration, error) {
	steps, ok := ctx["steps"].(int)
	if !ok || steps <= 0 {
		return 0, validationErrorf("resolved workflow parameters must include a positive 'steps' value")
	}
	timeout := conf.BaseTimeout() + time.Duration(steps)*conf.PerStepTimeout()
	if doc.HasLowDenoise() && conf.Img2ImgTimeoutMultiplier > 0 {
		timeout = time.Duration(float64(timeout) * conf.Img2ImgTimeoutMultiplier)
	}
	return timeout, nil
}
