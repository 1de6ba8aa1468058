package messaging

import (
	"encoding/json"
	"fmt"
)

// errorBody is the wire form of an error without its own JSON encoding
type errorBody struct {
	Message string `json:"message"`
}

// Encode converts a payload to a message body. Byte slices pass through,
// strings are sent as raw text, errors become {"message": ...} unless they
// implement json.Marshaler, and everything else is JSON encoded.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	case json.Marshaler:
		return marshal(payload, v)
	case error:
		return marshal(payload, errorBody{Message: v.Error()})
	}
	return marshal(payload, payload)
}

func marshal(payload, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T payload: %w", payload, err)
	}
	return body, nil
}

// Decode parses body as JSON and falls back to the raw text when it is not valid JSON.
// JSON numbers decode as float64, objects as map[string]interface{}.
func Decode(body []byte) any {
	if len(body) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

// DecodeInto unmarshals a JSON body into out
func DecodeInto(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode body into %T: %w", out, err)
	}
	return nil
}
