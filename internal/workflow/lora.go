package workflow

import (
	"strconv"

	"github.com/visionsuit/gpu-agent/internal/assets"
)

// AppliedLora records one loader placed in the graph and the strength it
// was given.
type AppliedLora struct {
	Name     string
	Strength float64
}

// loraNode pairs a LoraLoader node with its id.
type loraNode struct {
	id   string
	node map[string]any
}

// collectLoraNodes lists the graph's LoraLoader nodes in ascending
// numeric id order.
func collectLoraNodes(doc Document) []loraNode {
	var nodes []loraNode
	for _, id := range sortedNodeIDs(nodeIDs(doc)) {
		node, ok := doc.Node(id)
		if !ok {
			continue
		}
		if classType(node) == "loraloader" {
			nodes = append(nodes, loraNode{id: id, node: node})
		}
	}
	return nodes
}

func nodeIDs(doc Document) []string {
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	return ids
}

// ApplyLoraChain rewrites the graph's template LoraLoader nodes into a
// chain carrying exactly the job's LoRAs. The first template hosts LoRA
// zero and each additional LoRA gets a fresh clone wired to its
// predecessor; surplus templates are removed with their outbound edges
// redirected upstream, and downstream consumers of the template's
// outputs are repointed at the chain tail. Graphs without a template, or
// whose template has no upstream model/clip wiring, are left untouched.
func ApplyLoraChain(doc Document, loras []*assets.Resolved, ctx Context) []AppliedLora {
	loraNodes := collectLoraNodes(doc)
	if len(loraNodes) == 0 {
		return nil
	}

	template := loraNodes[0]
	inputs := ensureInputs(template.node)
	upstreamModel, okModel := asConnectionRef(inputs["model"])
	upstreamClip, okClip := asConnectionRef(inputs["clip"])
	if !okModel || !okClip {
		return nil
	}

	metadata, _ := ctx["loras_metadata"].([]map[string]any)

	redirect := map[string]map[int]ConnectionRef{}
	for _, extra := range loraNodes[1:] {
		delete(doc, extra.id)
		redirect[extra.id] = map[int]ConnectionRef{0: upstreamModel, 1: upstreamClip}
	}

	if len(loras) == 0 {
		delete(doc, template.id)
		redirect[template.id] = map[int]ConnectionRef{0: upstreamModel, 1: upstreamClip}
		redirectConnections(doc, redirect, nil)
		return nil
	}

	prototype := copyValue(template.node).(map[string]any)
	keep := map[string]bool{template.id: true}
	last := template.id

	var applied []AppliedLora
	for index, asset := range loras {
		strength := normalizedStrength(matchLoraMetadata(asset, metadata))
		if index == 0 {
			inputs["model"] = upstreamModel.value()
			inputs["clip"] = upstreamClip.value()
			inputs["lora_name"] = asset.ComfyName
			inputs["strength_model"] = strength
			inputs["strength_clip"] = strength
			applied = append(applied, AppliedLora{Name: asset.ComfyName, Strength: strength})
			continue
		}

		newID := doc.allocateNodeID()
		newNode := copyValue(prototype).(map[string]any)
		newInputs := ensureInputs(newNode)
		newInputs["model"] = []any{last, 0}
		newInputs["clip"] = []any{last, 1}
		newInputs["lora_name"] = asset.ComfyName
		newInputs["strength_model"] = strength
		newInputs["strength_clip"] = strength
		if numeric, err := strconv.Atoi(newID); err == nil {
			newNode["id"] = numeric
		} else {
			newNode["id"] = newID
		}
		doc[newID] = newNode
		keep[newID] = true
		last = newID
		applied = append(applied, AppliedLora{Name: asset.ComfyName, Strength: strength})
	}

	if len(applied) > 0 {
		redirect[template.id] = map[int]ConnectionRef{
			0: {Node: last, Output: 0},
			1: {Node: last, Output: 1},
		}
	}
	redirectConnections(doc, redirect, keep)
	return applied
}

// redirectConnections rewrites every input edge whose target appears in
// the redirect table, leaving the nodes in skip alone.
func redirectConnections(doc Document, redirect map[string]map[int]ConnectionRef, skip map[string]bool) {
	for id, raw := range doc {
		if skip[id] {
			continue
		}
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := nodeInputs(node)
		if !ok {
			continue
		}
		for key, value := range inputs {
			ref, ok := asConnectionRef(value)
			if !ok {
				continue
			}
			replacement, ok := redirect[ref.Node][ref.Output]
			if !ok {
				continue
			}
			inputs[key] = replacement.value()
		}
	}
}
