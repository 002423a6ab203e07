package vectorstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata values must be scalar, so list-valued attributes (entity
// names, tags) ride as a JSON string under "<name>_json".

// EncodeListField serializes values into meta under name+"_json".
func EncodeListField(meta map[string]interface{}, name string, values []string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("vectorstore: encode list field %s: %w", name, err)
	}
	meta[name+"_json"] = string(data)
	return nil
}

// DecodeListField reads the list stored under name+"_json". A missing
// or empty field decodes to nil.
func DecodeListField(meta map[string]interface{}, name string) ([]string, error) {
	raw, ok := meta[name+"_json"]
	if !ok {
		return nil, nil
	}
	str, ok := raw.(string)
	if !ok || strings.TrimSpace(str) == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(str), &values); err != nil {
		return nil, fmt.Errorf("vectorstore: decode list field %s: %w", name, err)
	}
	return values, nil
}
