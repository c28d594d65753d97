package providers

// cleanSchema normalises a tool's JSON schema for provider consumption:
// metadata keys some APIs reject are stripped and an empty schema becomes a
// bare object. The input is not mutated.
func cleanSchema(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}

	out, _ := cleanValue(params).(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]interface{}{}
		}
	}
	return out
}

func cleanValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			switch k {
			case "$schema", "$defs", "additionalProperties":
				continue
			}
			out[k] = cleanValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cleanValue(item)
		}
		return out
	default:
		return v
	}
}
