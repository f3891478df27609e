// Package codec converts publish payloads to message bodies and back.
//
// Encode picks the content type from the payload's Go type:
//
//	[]byte          -> body unchanged, application/octet-stream
//	string          -> UTF-8 bytes, text/plain
//	json.RawMessage -> body unchanged, application/json
//	anything else   -> encoding/json, application/json
//
// Decode is the inverse keyed by content type. Content type parameters such as
// "; charset=utf-8" are ignored and unknown types decode as binary.
package codec

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"
)

// ContentType is the MIME type written to the AMQP content-type property.
type ContentType string

const (
	Binary ContentType = "application/octet-stream"
	Text   ContentType = "text/plain"
	JSON   ContentType = "application/json"
)

// Encode serialises payload and reports its content type.
func Encode(payload any) ([]byte, ContentType, error) {
	switch v := payload.(type) {
	case []byte:
		return v, Binary, nil
	case string:
		return []byte(v), Text, nil
	case json.RawMessage:
		return []byte(v), JSON, nil
	case nil:
		return []byte("null"), JSON, nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("codec: encode %T: %w", payload, err)
		}
		return body, JSON, nil
	}
}

// Decode returns the original representation of body: []byte for binary,
// string for text and the generic JSON value for json.
func Decode(body []byte, contentType string) (any, error) {
	switch Normalize(contentType) {
	case Text:
		return string(body), nil
	case JSON:
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("codec: decode json: %w", err)
		}
		return v, nil
	default:
		return body, nil
	}
}

// DecodeInto decodes body into v. JSON bodies are unmarshalled; text and
// binary bodies can be decoded into *string or *[]byte.
func DecodeInto(body []byte, contentType string, v any) error {
	switch dst := v.(type) {
	case *[]byte:
		*dst = append((*dst)[:0], body...)
		return nil
	case *string:
		if Normalize(contentType) != JSON {
			*dst = string(body)
			return nil
		}
	}

	if Normalize(contentType) != JSON {
		return fmt.Errorf("codec: cannot decode %q into %T", contentType, v)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("codec: decode json into %T: %w", v, err)
	}
	return nil
}

// Normalize strips parameters and maps content types onto the three known
// classes. Anything unrecognised is Binary.
func Normalize(contentType string) ContentType {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == string(Text):
		return Text
	case mediaType == string(JSON), strings.HasSuffix(mediaType, "+json"):
		return JSON
	default:
		return Binary
	}
}
