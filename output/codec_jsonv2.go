//go:build jsonv2

package output

import (
	"encoding/json/jsontext"
	jsonv2 "encoding/json/v2"
)

// Built with GOEXPERIMENT=jsonv2 and -tags jsonv2. Reports keep the v1
// field names because every type carries explicit json tags.

func encodeJSON(v any) ([]byte, error) {
	return jsonv2.Marshal(v)
}

func encodeJSONIndent(v any, prefix, indent string) ([]byte, error) {
	return jsonv2.Marshal(v, jsontext.WithIndentPrefix(prefix), jsontext.WithIndent(indent))
}

func decodeJSON(data []byte, v any) error {
	return jsonv2.Unmarshal(data, v)
}
