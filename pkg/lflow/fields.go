package lflow

// Row-field accessors shared by the switch and router builders. These
// mirror pkg/join's helpers; each package keeps its own copy rather
// than exporting these small helpers across the module.

func getStringSlice(fields map[string]interface{}, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getStringMap(fields map[string]interface{}, key string) map[string]string {
	switch v := fields[key].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

func getIntMap(fields map[string]interface{}, key string) map[string]int {
	switch v := fields[key].(type) {
	case map[string]int:
		return v
	case map[string]interface{}:
		out := make(map[string]int, len(v))
		for k, val := range v {
			switch n := val.(type) {
			case int:
				out[k] = n
			case float64:
				out[k] = int(n)
			}
		}
		return out
	}
	return nil
}

func getBool(fields map[string]interface{}, key string, def bool) bool {
	switch v := fields[key].(type) {
	case bool:
		return v
	case *bool:
		if v != nil {
			return *v
		}
	}
	return def
}
