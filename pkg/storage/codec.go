package storage

import "encoding/json"

// EncodeJSON is the value codec for every persisted record.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON decodes a value written by EncodeJSON.
func DecodeJSON(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
