package workflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/visionsuit/gpu-agent/internal/assets"
)

func loraTemplateGraph() Document {
	return Document{
		"1": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": "model.safetensors"},
		},
		"2": map[string]any{
			"class_type": "LoraLoader",
			"inputs": map[string]any{
				"model":          []any{"1", 0},
				"clip":           []any{"1", 1},
				"lora_name":      "placeholder.safetensors",
				"strength_model": 1.0,
				"strength_clip":  1.0,
			},
		},
		"3": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"clip": []any{"2", 1}, "text": ""},
		},
		"4": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"model":    []any{"2", 0},
				"positive": []any{"3", 0},
			},
		},
	}
}

func inputRef(t *testing.T, doc Document, nodeID, input string) ConnectionRef {
	t.Helper()

	node, ok := doc.Node(nodeID)
	if !ok {
		t.Fatalf("node %s missing from graph", nodeID)
	}
	inputs, ok := nodeInputs(node)
	if !ok {
		t.Fatalf("node %s has no inputs", nodeID)
	}
	ref, ok := asConnectionRef(inputs[input])
	if !ok {
		t.Fatalf("node %s input %q = %v, want connection", nodeID, input, inputs[input])
	}
	return ref
}

func TestApplyLoraChainSingleLora(t *testing.T) {
	t.Parallel()

	doc := loraTemplateGraph()
	loras := []*assets.Resolved{{ComfyName: "style.safetensors"}}

	applied := ApplyLoraChain(doc, loras, Context{})

	want := []AppliedLora{{Name: "style.safetensors", Strength: 1.0}}
	if diff := cmp.Diff(want, applied); diff != "" {
		t.Fatalf("ApplyLoraChain() diff (-want +got):\n%s", diff)
	}

	template, _ := doc.Node("2")
	inputs, _ := nodeInputs(template)
	if got := inputs["lora_name"]; got != "style.safetensors" {
		t.Errorf("template lora_name = %v, want style.safetensors", got)
	}
	if got := inputs["strength_model"]; got != 1.0 {
		t.Errorf("template strength_model = %v, want 1.0", got)
	}
	if got, want := inputRef(t, doc, "2", "model"), (ConnectionRef{Node: "1", Output: 0}); got != want {
		t.Errorf("template model input = %+v, want %+v", got, want)
	}
	if got, want := inputRef(t, doc, "4", "model"), (ConnectionRef{Node: "2", Output: 0}); got != want {
		t.Errorf("sampler model input = %+v, want %+v", got, want)
	}
	if got, want := inputRef(t, doc, "3", "clip"), (ConnectionRef{Node: "2", Output: 1}); got != want {
		t.Errorf("encode clip input = %+v, want %+v", got, want)
	}
}

func TestApplyLoraChainBuildsChain(t *testing.T) {
	t.Parallel()

	doc := loraTemplateGraph()
	loras := []*assets.Resolved{
		{ComfyName: "style.safetensors"},
		{ComfyName: "detail.safetensors"},
	}
	ctx := Context{
		"loras_metadata": []map[string]any{
			{"filename": "style.safetensors", "strength": 0.8},
			{"filename": "detail.safetensors", "strength_model": -3.0},
		},
	}

	applied := ApplyLoraChain(doc, loras, ctx)

	want := []AppliedLora{
		{Name: "style.safetensors", Strength: 0.8},
		{Name: "detail.safetensors", Strength: -2.0},
	}
	if diff := cmp.Diff(want, applied); diff != "" {
		t.Fatalf("ApplyLoraChain() diff (-want +got):\n%s", diff)
	}

	tail, ok := doc.Node("5")
	if !ok {
		t.Fatalf("chained loader node 5 missing from graph")
	}
	if got := tail["class_type"]; got != "LoraLoader" {
		t.Errorf("tail class_type = %v, want LoraLoader", got)
	}
	if got := tail["id"]; got != 5 {
		t.Errorf("tail id = %v (%T), want 5", got, got)
	}
	tailInputs, _ := nodeInputs(tail)
	if got := tailInputs["lora_name"]; got != "detail.safetensors" {
		t.Errorf("tail lora_name = %v, want detail.safetensors", got)
	}
	if got := tailInputs["strength_model"]; got != -2.0 {
		t.Errorf("tail strength_model = %v, want -2.0", got)
	}

	// The tail feeds from the template, which still feeds from the
	// checkpoint loader.
	if got, want := inputRef(t, doc, "5", "model"), (ConnectionRef{Node: "2", Output: 0}); got != want {
		t.Errorf("tail model input = %+v, want %+v", got, want)
	}
	if got, want := inputRef(t, doc, "2", "model"), (ConnectionRef{Node: "1", Output: 0}); got != want {
		t.Errorf("template model input = %+v, want %+v", got, want)
	}

	// Downstream consumers moved to the chain tail.
	if got, want := inputRef(t, doc, "4", "model"), (ConnectionRef{Node: "5", Output: 0}); got != want {
		t.Errorf("sampler model input = %+v, want %+v", got, want)
	}
	if got, want := inputRef(t, doc, "3", "clip"), (ConnectionRef{Node: "5", Output: 1}); got != want {
		t.Errorf("encode clip input = %+v, want %+v", got, want)
	}
}

func TestApplyLoraChainRemovesTemplateWhenNoLoras(t *testing.T) {
	t.Parallel()

	doc := loraTemplateGraph()

	applied := ApplyLoraChain(doc, nil, Context{})
	if len(applied) != 0 {
		t.Fatalf("ApplyLoraChain() = %v, want nothing applied", applied)
	}
	if _, ok := doc.Node("2"); ok {
		t.Errorf("template node 2 still present, want removed")
	}
	if got, want := inputRef(t, doc, "4", "model"), (ConnectionRef{Node: "1", Output: 0}); got != want {
		t.Errorf("sampler model input = %+v, want %+v", got, want)
	}
	if got, want := inputRef(t, doc, "3", "clip"), (ConnectionRef{Node: "1", Output: 1}); got != want {
		t.Errorf("encode clip input = %+v, want %+v", got, want)
	}
}

func TestApplyLoraChainRemovesSurplusTemplates(t *testing.T) {
	t.Parallel()

	doc := loraTemplateGraph()
	// A second pre-chained loader feeding the consumers.
	doc["5"] = map[string]any{
		"class_type": "LoraLoader",
		"inputs": map[string]any{
			"model":     []any{"2", 0},
			"clip":      []any{"2", 1},
			"lora_name": "other-placeholder.safetensors",
		},
	}
	doc["3"].(map[string]any)["inputs"].(map[string]any)["clip"] = []any{"5", 1}
	doc["4"].(map[string]any)["inputs"].(map[string]any)["model"] = []any{"5", 0}

	applied := ApplyLoraChain(doc, []*assets.Resolved{{ComfyName: "style.safetensors"}}, Context{})
	if len(applied) != 1 {
		t.Fatalf("ApplyLoraChain() applied %d loras, want 1", len(applied))
	}
	if _, ok := doc.Node("5"); ok {
		t.Errorf("surplus template node 5 still present, want removed")
	}
	// Surplus consumers are rewired to the template's upstream source.
	if got, want := inputRef(t, doc, "4", "model"), (ConnectionRef{Node: "1", Output: 0}); got != want {
		t.Errorf("sampler model input = %+v, want %+v", got, want)
	}
	if got, want := inputRef(t, doc, "3", "clip"), (ConnectionRef{Node: "1", Output: 1}); got != want {
		t.Errorf("encode clip input = %+v, want %+v", got, want)
	}
}

func TestApplyLoraChainLeavesGraphsWithoutTemplates(t *testing.T) {
	t.Parallel()

	doc := Document{
		"1": map[string]any{"class_type": "CheckpointLoaderSimple", "inputs": map[string]any{}},
		"4": map[string]any{
			"class_type": "KSampler",
			"inputs":     map[string]any{"model": []any{"1", 0}},
		},
	}
	pristine := doc.Clone()

	applied := ApplyLoraChain(doc, []*assets.Resolved{{ComfyName: "style.safetensors"}}, Context{})
	if applied != nil {
		t.Errorf("ApplyLoraChain() = %v, want nil without a template", applied)
	}
	if diff := cmp.Diff(map[string]any(pristine), map[string]any(doc)); diff != "" {
		t.Errorf("graph changed without a template (-want +got):\n%s", diff)
	}
}

func TestApplyLoraChainRequiresUpstreamWiring(t *testing.T) {
	t.Parallel()

	doc := Document{
		"2": map[string]any{
			"class_type": "LoraLoader",
			"inputs":     map[string]any{"lora_name": "placeholder.safetensors"},
		},
	}
	pristine := doc.Clone()

	applied := ApplyLoraChain(doc, []*assets.Resolved{{ComfyName: "style.safetensors"}}, Context{})
	if applied != nil {
		t.Errorf("ApplyLoraChain() = %v, want nil without upstream wiring", applied)
	}
	if diff := cmp.Diff(map[string]any(pristine), map[string]any(doc)); diff != "" {
		t.Errorf("graph changed without upstream wiring (-want +got):\n%s", diff)
	}
}
