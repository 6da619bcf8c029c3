package workflow

import (
	"fmt"
	"strings"
)

// ValidatePromptConnections checks that every sampler node's positive and
// negative inputs are wired to text-encode nodes. samplerClasses names
// the lowercased class_types treated as samplers; empty means the stock
// KSampler. All violations aggregate into one validation failure.
func ValidatePromptConnections(doc Document, samplerClasses []string) error {
	samplers := map[string]bool{}
	for _, class := range samplerClasses {
		samplers[strings.ToLower(strings.TrimSpace(class))] = true
	}
	if len(samplers) == 0 {
		samplers["ksampler"] = true
	}

	var issues []string
	for _, id := range sortedNodeIDs(nodeIDs(doc)) {
		node, ok := doc.Node(id)
		if !ok || !samplers[classType(node)] {
			continue
		}
		inputs, ok := nodeInputs(node)
		if !ok {
			issues = append(issues, fmt.Sprintf("sampler node %s missing inputs map", id))
			continue
		}
		for _, key := range []string{"positive", "negative"} {
			ref, ok := asConnectionRef(inputs[key])
			if !ok {
				issues = append(issues, fmt.Sprintf("sampler node %s missing %q connection", id, key))
				continue
			}
			target, ok := doc.Node(ref.Node)
			if !ok {
				issues = append(issues, fmt.Sprintf("sampler node %s %s input targets unknown node %s", id, key, ref.Node))
				continue
			}
			if !strings.Contains(classType(target), "cliptextencode") {
				issues = append(issues, fmt.Sprintf(
					"sampler node %s %s input targets non-CLIP node %s (%v)", id, key, ref.Node, target["class_type"],
				))
			}
		}
	}

	if len(issues) > 0 {
		return validationErrorf("%s", strings.Join(issues, "; "))
	}
	return nil
}
