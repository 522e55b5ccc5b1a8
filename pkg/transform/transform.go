package transform

// Mapping renames one source field to a destination field. When Static is
// set the destination field receives that literal value and From is ignored.
type Mapping struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Static any    `json:"static,omitempty"`
}

// Apply projects a source payload into the destination's shape. Mappings
// whose source field is absent are skipped rather than emitting nulls; with
// no mappings the payload passes through unchanged.
func Apply(mappings []Mapping, data map[string]any) map[string]any {
	if len(mappings) == 0 {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}

	out := make(map[string]any, len(mappings))
	for _, m := range mappings {
		if m.To == "" {
			continue
		}
		if m.Static != nil {
			out[m.To] = m.Static
			continue
		}
		if v, ok := data[m.From]; ok {
			out[m.To] = v
		}
	}

	return out
}
