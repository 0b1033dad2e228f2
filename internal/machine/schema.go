package machine

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aleka07/twinengine/internal/model"
)

// validateSchema enforces a thing's optional draft-7 JSON Schema against
// the union of its reported/synthetic/desired value shapes (spec §3, §4.5
// step 2). The document presented to the validator mirrors the shape a
// schema author would naturally write against: three top-level objects
// keyed by feature name.
func validateSchema(schema []byte, t *model.Thing) error {
	if len(schema) == 0 {
		return nil
	}

	doc := map[string]interface{}{
		"reportedState":  valuesOf(t.ReportedState),
		"syntheticState": syntheticValuesOf(t.SyntheticState),
		"desiredState":   desiredValuesOf(t.DesiredState),
	}

	schemaLoader := gojsonschema.NewBytesLoader(schema)
	docLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("%w: schema load/validate error: %v", model.ErrSchemaViolation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %v", model.ErrSchemaViolation, msgs)
	}
	return nil
}

func valuesOf(m map[string]model.ReportedFeature) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Value.ToAny()
	}
	return out
}

func syntheticValuesOf(m map[string]model.SyntheticFeature) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Value.ToAny()
	}
	return out
}

func desiredValuesOf(m map[string]model.DesiredFeature) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Value.ToAny()
	}
	return out
}
