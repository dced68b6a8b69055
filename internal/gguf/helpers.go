package gguf

func GetString(kv map[string]Value, key string) (string, bool) {
	v, ok := kv[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

func GetBool(kv map[string]Value, key string) (bool, bool) {
	v, ok := kv[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value.(bool)
	return b, ok
}

func GetUint64(kv map[string]Value, key string) (uint64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	return asUint64(v.Value)
}

// GetInt returns an integer value as int, accepting any integer encoding.
func GetInt(kv map[string]Value, key string) (int, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	}
	u, ok := asUint64(v.Value)
	if !ok || u > uint64(^uint(0)>>1) {
		return 0, false
	}
	return int(u), true
}

func GetFloat64(kv map[string]Value, key string) (float64, bool) {
	v, ok := kv[key]
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// GetArray retrieves a slice of type T from the key-value pairs.
// It checks that the value exists, is an array, and that all elements can be asserted to type T.
func GetArray[T any](kv map[string]Value, key string) ([]T, bool) {
	v, ok := kv[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(arr.Values))
	for _, item := range arr.Values {
		tItem, ok := item.(T)
		if !ok {
			return nil, false
		}
		out = append(out, tItem)
	}
	return out, true
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		return uint64(t), t >= 0
	case int16:
		return uint64(t), t >= 0
	case int32:
		return uint64(t), t >= 0
	case int64:
		return uint64(t), t >= 0
	default:
		return 0, false
	}
}
