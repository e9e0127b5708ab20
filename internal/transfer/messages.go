package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ChunkSize is the fixed payload size of one binary chunk frame. The last
// chunk of a file may be shorter.
const ChunkSize = 16384

type FrameType string

const (
	FrameText      FrameType = "text"
	FrameFileStart FrameType = "file-start"
	FrameFileChunk FrameType = "file-chunk"
	FrameFileEnd   FrameType = "file-end"
)

// Frame is one JSON control frame. Which fields are meaningful depends on
// Type; Validate enforces the per-type requirements.
type Frame struct {
	Type FrameType `json:"type"`

	// Text frames. Timestamp is the sender's wall clock in RFC 3339 form.
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// File frames. TransferID ties chunk and end frames to their file-start.
	TransferID  string `json:"transferId,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`

	// ChunkIndex is the zero-based chunk number announced by a file-chunk
	// frame; the frame repeats TotalChunks so receivers can report progress
	// without looking the transfer up.
	ChunkIndex *int `json:"chunkIndex,omitempty"`
}

// TotalChunksFor returns how many ChunkSize chunks a file of the given size
// occupies. A zero-byte file has no chunks; it is just file-start followed by
// file-end.
func TotalChunksFor(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// ParseFrame decodes and validates one control frame.
func ParseFrame(data []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, fmt.Errorf("unexpected trailing data")
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) Validate() error {
	switch f.Type {
	case FrameText:
		return nil
	case FrameFileStart:
		if f.TransferID == "" {
			return fmt.Errorf("file-start frame missing transferId")
		}
		if f.FileName == "" {
			return fmt.Errorf("file-start frame missing fileName")
		}
		if f.FileSize < 0 {
			return fmt.Errorf("file-start frame has negative fileSize %d", f.FileSize)
		}
		if f.TotalChunks < 0 {
			return fmt.Errorf("file-start frame has totalChunks %d", f.TotalChunks)
		}
		if want := TotalChunksFor(f.FileSize); f.TotalChunks != want {
			return fmt.Errorf("file-start frame has totalChunks %d for fileSize %d, want %d", f.TotalChunks, f.FileSize, want)
		}
		return nil
	case FrameFileChunk:
		if f.TransferID == "" {
			return fmt.Errorf("file-chunk frame missing transferId")
		}
		if f.ChunkIndex == nil {
			return fmt.Errorf("file-chunk frame missing chunkIndex")
		}
		if *f.ChunkIndex < 0 {
			return fmt.Errorf("file-chunk frame has negative chunkIndex %d", *f.ChunkIndex)
		}
		if f.TotalChunks < 1 {
			return fmt.Errorf("file-chunk frame missing totalChunks")
		}
		if *f.ChunkIndex >= f.TotalChunks {
			return fmt.Errorf("file-chunk frame has chunkIndex %d beyond totalChunks %d", *f.ChunkIndex, f.TotalChunks)
		}
		return nil
	case FrameFileEnd:
		if f.TransferID == "" {
			return fmt.Errorf("file-end frame missing transferId")
		}
		return nil
	default:
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
}

func marshalFrame(f Frame) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
