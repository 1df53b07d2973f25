package plistutil

// String returns d[key] if it is a string.
func String(d Dict, key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// StringOr returns d[key] as a string, or def.
func StringOr(d Dict, key, def string) string {
	if s, ok := String(d, key); ok {
		return s
	}
	return def
}

// Int returns d[key] as an int64. Plist integers decode as int64 or uint64
// depending on sign, so both are accepted.
func Int(d Dict, key string) (int64, bool) {
	return AsInt(d[key])
}

// AsInt converts a decoded plist number to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Bool returns d[key] if it is a bool.
func Bool(d Dict, key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

// Data returns d[key] if it is a data blob.
func Data(d Dict, key string) ([]byte, bool) {
	b, ok := d[key].([]byte)
	return b, ok
}

// Dictionary returns d[key] if it is a nested dictionary.
func Dictionary(d Dict, key string) (Dict, bool) {
	sub, ok := d[key].(map[string]any)
	return sub, ok
}

// Array returns d[key] if it is an array.
func Array(d Dict, key string) ([]any, bool) {
	a, ok := d[key].([]any)
	return a, ok
}

// Path walks nested dictionaries and returns the value at the final key.
func Path(d Dict, keys ...string) (any, bool) {
	var cur any = d
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// PathString walks nested dictionaries and returns a string leaf.
func PathString(d Dict, keys ...string) (string, bool) {
	v, ok := Path(d, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
