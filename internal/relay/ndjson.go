package relay

import (
	"bytes"
	"encoding/json"
	"io"
)

// splitFrames extracts the complete JSON values from one WebSocket message
// carrying newline-delimited JSON. A plain split on '\n' would corrupt frames
// whose string values contain literal newlines, so the payload is walked with
// a JSON decoder instead. After a malformed value the scan resyncs to the
// next newline and continues; garbage never takes down the connection.
func splitFrames(data []byte) [][]byte {
	var frames [][]byte
	for len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err != nil {
			if err == io.EOF {
				break
			}
			// Malformed value: skip to the byte after the next newline.
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				break
			}
			data = data[nl+1:]
			continue
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
			frames = append(frames, trimmed)
		}
		data = data[dec.InputOffset():]
	}
	return frames
}
