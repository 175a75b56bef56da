//go:build !jsonv2

package output

import "encoding/json"

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func encodeJSONIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
