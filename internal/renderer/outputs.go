package renderer

import "sort"

// OutputImage identifies one image the renderer wrote to disk while
// executing a prompt.
type OutputImage struct {
	NodeID    string
	Filename  string
	Subfolder string
	Type      string
}

// ExtractOutputFiles walks the outputs block of a history record and returns
// the images it advertises. When expectedNodes is non-empty, images from
// other nodes are ignored so stray previews do not leak into the artifact
// set. Results are ordered by node ID, then by position within the node.
func ExtractOutputFiles(history map[string]any, expectedNodes []string) []OutputImage {
	outputs, ok := history["outputs"].(map[string]any)
	if !ok {
		return nil
	}

	expected := make(map[string]struct{}, len(expectedNodes))
	for _, id := range expectedNodes {
		expected[id] = struct{}{}
	}

	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var discovered []OutputImage
	for _, nodeID := range nodeIDs {
		if len(expected) > 0 {
			if _, ok := expected[nodeID]; !ok {
				continue
			}
		}
		node, ok := outputs[nodeID].(map[string]any)
		if !ok {
			continue
		}
		images, ok := node["images"].([]any)
		if !ok {
			continue
		}
		for _, entry := range images {
			image, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			filename, _ := image["filename"].(string)
			if filename == "" {
				continue
			}
			subfolder, _ := image["subfolder"].(string)
			imageType, _ := image["type"].(string)
			if imageType == "" {
				imageType = "output"
			}
			discovered = append(discovered, OutputImage{
				NodeID:    nodeID,
				Filename:  filename,
				Subfolder: subfolder,
				Type:      imageType,
			})
		}
	}
	return discovered
}

// NodeErrors pulls the node error block out of a history record, checking
// both spellings the renderer has used across releases.
func NodeErrors(history map[string]any) any {
	if history == nil {
		return nil
	}
	status, ok := history["status"].(map[string]any)
	if !ok {
		return nil
	}
	if errs, ok := status["node_errors"]; ok && errs != nil {
		return errs
	}
	if errs, ok := status["nodeErrors"]; ok && errs != nil {
		return errs
	}
	return nil
}

// StatusString reports the textual status of a history record verbatim,
// empty when the record does not carry one. Unlike the polling loop it
// prefers the status field over status_str, matching what the controller
// expects to see echoed back in completion metadata.
func StatusString(history map[string]any) string {
	if history == nil {
		return ""
	}
	status, ok := history["status"].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := status["status"].(string); ok && s != "" {
		return s
	}
	if s, ok := status["status_str"].(string); ok {
		return s
	}
	return ""
}
