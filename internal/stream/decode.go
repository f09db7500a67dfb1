package stream

import (
	"bytes"
	"compress/gzip"
	"io"
)

// decodeFrame inflates a gzip frame to its text payload. The exchange mixes
// plain text control frames with gzip data frames on the same connection, so
// a failed inflate falls back to the raw bytes.
func decodeFrame(data []byte) []byte {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer reader.Close()
	inflated, err := io.ReadAll(reader)
	if err != nil {
		return data
	}
	return inflated
}
