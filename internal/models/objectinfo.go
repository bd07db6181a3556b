package models

import "encoding/json"

// ObjectInfo maps node class name -> class metadata (GET /object_info).
type ObjectInfo map[string]NodeClass

// NodeClass describes one node class reported by the server.
type NodeClass struct {
	Input       NodeInputSpec `json:"input"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description"`
	Category    string        `json:"category"`
	OutputNode  bool          `json:"output_node"`
}

// NodeInputSpec splits a node's declared inputs by requirement. Each entry
// is a positional array: ["TYPE", {opts}] for plain types, [[choices], {opts}]
// for enums; older servers emit a bare choice list.
type NodeInputSpec struct {
	Required map[string]json.RawMessage `json:"required"`
	Optional map[string]json.RawMessage `json:"optional"`
}

// EnumInput extracts the choice list of an enum input, looking in required
// inputs first and then optional ones. This is how the desktop front end
// fills its style/model/resolution dropdowns.
func (c NodeClass) EnumInput(key string) ([]string, bool) {
	for _, inputs := range []map[string]json.RawMessage{c.Input.Required, c.Input.Optional} {
		raw, ok := inputs[key]
		if !ok {
			continue
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
			return nil, false
		}
		var values []string
		if err := json.Unmarshal(parts[0], &values); err == nil {
			return values, true
		}
		// Older form: the entry itself is the choice list
		if err := json.Unmarshal(raw, &values); err == nil {
			return values, true
		}
		return nil, false
	}
	return nil, false
}

// HasInput reports whether the class declares the input at all.
func (c NodeClass) HasInput(key string) bool {
	if _, ok := c.Input.Required[key]; ok {
		return true
	}
	_, ok := c.Input.Optional[key]
	return ok
}
