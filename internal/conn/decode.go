package conn

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/basket/streamsync/internal/events"
)

// decodeFrame parses an inbound frame: direct JSON first, then
// base64-wrapped JSON. Anything else is undecodable and gets dropped by
// the caller.
func decodeFrame(data []byte) (events.Frame, bool) {
	var frame events.Frame
	trimmed := bytes.TrimSpace(data)
	if json.Unmarshal(trimmed, &frame) == nil && frame.Type != "" {
		return frame, true
	}

	// Blob delivery wraps the JSON in base64, sometimes quoted.
	raw := bytes.Trim(trimmed, `"`)
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(decoded, raw)
	if err != nil {
		return events.Frame{}, false
	}
	frame = events.Frame{}
	if json.Unmarshal(decoded[:n], &frame) == nil && frame.Type != "" {
		return frame, true
	}
	return events.Frame{}, false
}
