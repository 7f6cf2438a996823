package matrix

// NormalizeCreateContent fills the optional m.room.create content fields
// some homeservers omit, so downstream consumers can rely on their
// presence. The input map is not modified.
func NormalizeCreateContent(content map[string]any, sender string) map[string]any {
	out := make(map[string]any, len(content)+4)
	for k, v := range content {
		out[k] = v
	}
	if _, ok := out["creator"]; !ok {
		out["creator"] = sender
	}
	if _, ok := out["m.federate"]; !ok {
		out["m.federate"] = true
	}
	if _, ok := out["room_version"]; !ok {
		out["room_version"] = "1"
	}
	if _, ok := out["type"]; !ok {
		out["type"] = ""
	}
	return out
}
