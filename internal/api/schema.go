package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// streamRequestSchema validates the stream creation body before it is
// decoded. Destination stays loosely typed here; transport-specific field
// validation happens in the distributor config.
const streamRequestSchema = `{
	"type": "object",
	"required": ["type", "source", "destination"],
	"additionalProperties": false,
	"properties": {
		"type": {"type": "string", "enum": ["udp", "websocket", "mqtt", "http"]},
		"source": {"type": "string", "minLength": 1},
		"destination": {"type": "object"},
		"client_id": {"type": "string"},
		"filter": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_rate_hz": {"type": "number", "minimum": 0},
				"min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
				"fields": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

var streamSchema = gojsonschema.NewStringLoader(streamRequestSchema)

// validateSchema checks a raw JSON document against a schema loader and
// folds violations into one validation error.
func validateSchema(schema gojsonschema.JSONLoader, raw []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", errValidation, err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}

	return fmt.Errorf("%w: %s", errValidation, strings.Join(msgs, "; "))
}
