// Package join reconciles northbound intent with existing southbound
// state: the datapath join, the port join and peering, HA chassis
// group synthesis, IPAM application, and the Port_Binding write-back.
// Every join classifies rows into nb_only/sb_only/both buckets, and
// cross-references are resolved in a second pass after all nodes
// exist.
package join

// getString reads a string field, defaulting to "".
func getString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// getStringSlice reads a []string field (ovsdb set/list columns decode
// to []interface{} from YAML/JSON, so both shapes are accepted).
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

// getStringMap reads a map[string]string field (ovsdb map columns).
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

// getBool reads a bool field (tolerating a *bool or bare bool), with a
// caller-supplied default for an absent/nil value — northbound booleans
// like Logical_Router.enabled default to true when unset.
func getBool(fields map[string]interface{}, key string, def bool) bool {
	switch v := fields[key].(type) {
	case bool:
		return v
	case *bool:
		if v == nil {
			return def
		}
		return *v
	}
	return def
}

// sameStringMap compares two string maps for equality, treating nil and
// empty as equal (ovsdb map columns have no null/empty distinction).
func sameStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// sameStringSlice compares two string slices element-wise.
func sameStringSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// getInt reads an int field, tolerating the float64 shape YAML/JSON
// decoding produces for numeric literals.
func getInt(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
