package pipeline

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects T into the schema shape strict structured output
// accepts. Schemas are built from package-level types at init, so reflection
// failures panic rather than return.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	raw, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		panic(err)
	}
	ensureStrictCompliance(schema)
	return schema
}

// ensureStrictCompliance rewrites a schema in place so that every object node
// is closed and lists all of its properties as required. Strict mode rejects
// schemas that leave either open.
func ensureStrictCompliance(schema map[string]any) {
	if t, _ := schema["type"].(string); t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]any); ok && len(props) > 0 {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			schema["required"] = required
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if child, ok := p.(map[string]any); ok {
				ensureStrictCompliance(child)
			}
		}
	}
	for _, key := range []string{"items", "additionalProperties"} {
		if child, ok := schema[key].(map[string]any); ok {
			ensureStrictCompliance(child)
		}
	}
}
