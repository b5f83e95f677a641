package schema

// GetString extracts a string from a payload map. Returns "" if missing or
// not a string.
func GetString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	val, ok := payload[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// GetBool extracts a bool from a payload map. Returns false if missing or
// not a bool.
func GetBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	val, ok := payload[key].(bool)
	if !ok {
		return false
	}
	return val
}

// GetInt extracts an integer from a payload map, accepting the numeric
// types JSON and YAML decoding produce.
func GetInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
