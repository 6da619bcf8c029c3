package dispatchd

import (
	"context"
	_ "embed"
	"encoding/json"

	"github.com/qri-io/jsonschema"
)

//go:embed envelope.schema.json
var envelopeSchemaSrc []byte

// envelopeSchema rejects structurally broken envelopes before any decoding
// happens, so the 422 can name the offending fields. The embedded document
// always parses; the schema tests enforce that.
var envelopeSchema = func() *jsonschema.Schema {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(envelopeSchemaSrc, rs); err != nil {
		panic("envelope schema does not parse: " + err.Error())
	}
	return rs
}()

// validateEnvelopeBytes checks a dispatch body against the envelope schema.
// The returned details list is empty for a valid body; a non-nil error means
// the body wasn't JSON at all.
func validateEnvelopeBytes(ctx context.Context, data []byte) ([]map[string]any, error) {
	keyErrs, err := envelopeSchema.ValidateBytes(ctx, data)
	if err != nil {
		return nil, err
	}

	details := make([]map[string]any, 0, len(keyErrs))
	for _, keyErr := range keyErrs {
		details = append(details, map[string]any{
			"loc": keyErr.PropertyPath,
			"msg": keyErr.Message,
		})
	}
	return details, nil
}
