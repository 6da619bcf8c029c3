package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/visionsuit/gpu-agent/api"
)

// nodeLookup indexes mutable node objects by numeric id. API-format
// graphs key nodes by stringified ids at the top level; UI exports wrap
// them in a "nodes" list, so both shapes are handled.
func nodeLookup(doc Document) map[int]map[string]any {
	nodes := map[int]map[string]any{}
	if list, ok := doc["nodes"].([]any); ok {
		for _, raw := range list {
			node, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch id := node["id"].(type) {
			case float64:
				nodes[int(id)] = node
			case int:
				nodes[id] = node
			case string:
				if parsed, err := strconv.Atoi(id); err == nil {
					nodes[parsed] = node
				}
			}
		}
	}
	if len(nodes) > 0 {
		return nodes
	}
	for key, raw := range doc {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, err := strconv.Atoi(key); err == nil {
			nodes[id] = node
		}
	}
	return nodes
}

// ApplyMutations applies node-path edits in order. An unknown node id or
// a non-map intermediate on the dotted path rejects the whole job.
func ApplyMutations(doc Document, mutations []api.NodeMutation) error {
	if len(mutations) == 0 {
		return nil
	}
	nodes := nodeLookup(doc)
	if len(nodes) == 0 {
		return validationErrorf("workflow does not expose any nodes for mutation")
	}
	for _, mutation := range mutations {
		node, ok := nodes[mutation.Node]
		if !ok {
			return validationErrorf("workflow node %d not found", mutation.Node)
		}
		if err := assignPath(node, mutation.Node, mutation.Path, mutation.Value); err != nil {
			return err
		}
	}
	return nil
}

// assignPath writes value at the dotted path, creating missing
// intermediate maps along the way.
func assignPath(node map[string]any, nodeID int, path string, value any) error {
	parts := strings.Split(path, ".")
	target := node
	for _, part := range parts[:len(parts)-1] {
		entry, exists := target[part]
		if !exists || entry == nil {
			next := map[string]any{}
			target[part] = next
			target = next
			continue
		}
		next, ok := entry.(map[string]any)
		if !ok {
			return validationErrorf("cannot resolve path %q on workflow node %d", path, nodeID)
		}
		target = next
	}
	target[parts[len(parts)-1]] = value
	return nil
}

// BindParameters synthesises a mutation for every binding whose
// parameter is present in the resolved context and applies them.
func BindParameters(doc Document, bindings []api.ParameterBinding, ctx Context) error {
	if len(bindings) == 0 {
		return nil
	}
	var mutations []api.NodeMutation
	for _, binding := range bindings {
		value, ok := ctx[binding.Parameter]
		if !ok {
			continue
		}
		mutations = append(mutations, api.NodeMutation{
			Node:  binding.Node,
			Path:  binding.Path,
			Value: value,
		})
	}
	return ApplyMutations(doc, mutations)
}

// VerifyBindings re-reads every bound path and compares it against the
// resolved context with type-aware equality, aggregating all mismatches
// into one validation failure.
func VerifyBindings(doc Document, bindings []api.ParameterBinding, ctx Context) error {
	if len(bindings) == 0 {
		return nil
	}

	var mismatches []string
	for _, binding := range bindings {
		expected, ok := ctx[binding.Parameter]
		if !ok {
			continue
		}
		actual, err := resolveValue(doc, binding.Node, binding.Path, binding.Parameter)
		if err != nil {
			mismatches = append(mismatches, err.Error())
			continue
		}
		if !valuesMatch(expected, actual) {
			mismatches = append(mismatches, fmt.Sprintf(
				"parameter %q resolved to %v but workflow has %v on node %d (%s)",
				binding.Parameter, expected, actual, binding.Node, binding.Path,
			))
		}
	}

	if len(mismatches) > 0 {
		return validationErrorf("%s", strings.Join(mismatches, "; "))
	}
	return nil
}

// resolveValue reads the value at the dotted path of a node.
func resolveValue(doc Document, nodeID int, path, parameter string) (any, error) {
	node, ok := doc.Node(strconv.Itoa(nodeID))
	if !ok {
		return nil, validationErrorf("workflow node %d missing for parameter %q", nodeID, parameter)
	}
	var target any = node
	for _, part := range strings.Split(path, ".") {
		entry, ok := target.(map[string]any)
		if !ok {
			return nil, validationErrorf("workflow node %d missing path %q for parameter %q", nodeID, path, parameter)
		}
		value, exists := entry[part]
		if !exists {
			return nil, validationErrorf("workflow node %d missing path %q for parameter %q", nodeID, path, parameter)
		}
		target = value
	}
	return target, nil
}

// valuesMatch compares a resolved parameter against a graph value.
// Integers tolerate rounding within 0.5, floats within 1e-3, strings
// compare after trimming; everything else must be deeply equal.
func valuesMatch(expected, actual any) bool {
	switch want := expected.(type) {
	case int, int64:
		target, _ := asFloat(expected)
		got, ok := asFloat(actual)
		return ok && math.Abs(got-target) < 0.5
	case float64:
		got, ok := asFloat(actual)
		return ok && math.Abs(got-want) <= 1e-3
	case string:
		var got string
		if actual != nil {
			got = strings.TrimSpace(fmt.Sprint(actual))
		}
		return got == strings.TrimSpace(want)
	default:
		return reflect.DeepEqual(expected, actual)
	}
}

// asFloat coerces numeric values and numeric strings to a finite float.
func asFloat(value any) (float64, bool) {
	var numeric float64
	switch v := value.(type) {
	case int:
		numeric = float64(v)
	case int64:
		numeric = float64(v)
	case float64:
		numeric = v
	case float32:
		numeric = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		numeric = parsed
	default:
		return 0, false
	}
	if math.IsNaN(numeric) || math.IsInf(numeric, 0) {
		return 0, false
	}
	return numeric, true
}
