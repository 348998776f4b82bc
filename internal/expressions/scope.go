package expressions

// Snapshot copies the execution variables for a trace step so later
// assignments do not show up in earlier steps. Variables hold decoded JSON
// input values and child workflow outputs: scalars, []any and map[string]any.
// Nested lists and objects are copied; any other value is shared.
func Snapshot(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		out[name] = snapshotValue(v)
	}
	return out
}

func snapshotValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Snapshot(val)
	case []any:
		if val == nil {
			return val
		}
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = snapshotValue(item)
		}
		return items
	default:
		return v
	}
}
