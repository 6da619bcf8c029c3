// Package workflow models ComfyUI prompt graphs and the edits the agent
// performs on them before submission: envelope mutations, parameter
// bindings, LoRA chain rewriting and the structural checks that gate a
// graph from reaching the renderer.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Document is a prompt graph in the renderer's API format: node id →
// node object. Nodes stay raw maps so fields the agent doesn't model
// survive the round-trip to the renderer unchanged.
type Document map[string]any

// ParseDocument decodes a graph payload. The caller owns the result; no
// references into data are retained.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing workflow payload: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("workflow payload must be a JSON object")
	}
	return doc, nil
}

// Clone deep-copies the document so mutations never leak into the inline
// payload of the envelope that supplied it.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return copyValue(map[string]any(d)).(map[string]any)
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, entry := range v {
			out[key] = copyValue(entry)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, entry := range v {
			out[i] = copyValue(entry)
		}
		return out
	default:
		return v
	}
}

// Node returns the node object for id when present.
func (d Document) Node(id string) (map[string]any, bool) {
	node, ok := d[id].(map[string]any)
	return node, ok
}

// classType returns the node's lowercased class_type, or "" when absent.
func classType(node map[string]any) string {
	raw, _ := node["class_type"].(string)
	return strings.ToLower(raw)
}

// nodeInputs returns the node's inputs map when it exists and is a map.
func nodeInputs(node map[string]any) (map[string]any, bool) {
	inputs, ok := node["inputs"].(map[string]any)
	return inputs, ok
}

// ensureInputs returns the node's inputs map, creating it when missing.
func ensureInputs(node map[string]any) map[string]any {
	if inputs, ok := nodeInputs(node); ok {
		return inputs
	}
	inputs := map[string]any{}
	node["inputs"] = inputs
	return inputs
}

// ConnectionRef is a graph edge: the two-element [targetId, outputIndex]
// value a node input holds when wired to another node's output.
type ConnectionRef struct {
	Node   string
	Output int
}

// asConnectionRef interprets value as a graph edge. Node ids appear as
// strings or numbers depending on which tool exported the graph.
func asConnectionRef(value any) (ConnectionRef, bool) {
	list, ok := value.([]any)
	if !ok || len(list) != 2 {
		return ConnectionRef{}, false
	}
	var node string
	switch target := list[0].(type) {
	case string:
		node = target
	case float64:
		node = strconv.Itoa(int(target))
	case int:
		node = strconv.Itoa(target)
	default:
		return ConnectionRef{}, false
	}
	var output int
	switch index := list[1].(type) {
	case float64:
		output = int(index)
	case int:
		output = index
	default:
		return ConnectionRef{}, false
	}
	return ConnectionRef{Node: node, Output: output}, true
}

func (c ConnectionRef) value() []any {
	return []any{c.Node, c.Output}
}

// allocateNodeID returns an id one past the highest numeric id present.
func (d Document) allocateNodeID() string {
	maxID := 0
	for key := range d {
		if id, err := strconv.Atoi(key); err == nil && id > maxID {
			maxID = id
		}
	}
	return strconv.Itoa(maxID + 1)
}

// sortedNodeIDs orders ids numerically where possible; non-numeric ids
// keep their relative order ahead of numeric ones.
func sortedNodeIDs(ids []string) []string {
	numeric := func(id string) int {
		if n, err := strconv.Atoi(id); err == nil {
			return n
		}
		return 0
	}
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.SliceStable(sorted, func(i, j int) bool {
		return numeric(sorted[i]) < numeric(sorted[j])
	})
	return sorted
}

// SaveImageNodes lists the ids of the graph's image sinks. When non-empty
// the engine restricts output collection to exactly these nodes.
func SaveImageNodes(doc Document) []string {
	var ids []string
	for id, raw := range doc {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if strings.Contains(classType(node), "saveimage") {
			ids = append(ids, id)
		}
	}
	return sortedNodeIDs(ids)
}

// HasLowDenoise reports whether any node runs with a numeric denoise
// below 1.0, which marks the graph as an img2img pass for timeout
// purposes.
func (d Document) HasLowDenoise() bool {
	for _, raw := range d {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := nodeInputs(node)
		if !ok {
			continue
		}
		switch denoise := inputs["denoise"].(type) {
		case float64:
			if denoise < 1.0 {
				return true
			}
		case int:
			if denoise < 1 {
				return true
			}
		}
	}
	return false
}
