// Package protocol defines the line-delimited JSON stream sent from the
// vision producer to the transform consumer.
//
// Each message is one JSON object terminated by '\n':
//
//	{"landmarks": [[depth, x_px, y_px], ...], "image_size": [w, h], "timestamp": 1700000000.25}
//
// There is no handshake, length prefix, heartbeat or version field.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultPort is the loopback port the producer listens on.
const DefaultPort = 65432

// DefaultAddr is the producer address used when none is configured.
const DefaultAddr = "127.0.0.1:65432"

// NumLandmarks is the number of keypoints in a single-hand frame.
const NumLandmarks = 21

// Landmark component offsets within a [depth, x, y] triple.
const (
	Depth = 0
	X     = 1
	Y     = 2
)

// ErrEmptyLine is returned by Decode for a blank line.
var ErrEmptyLine = errors.New("empty line")

// Frame is one processed camera frame with a detected hand.
type Frame struct {
	// Landmarks holds [depth, x_px, y_px] triples in MediaPipe order.
	Landmarks [][3]float64 `json:"landmarks"`

	// ImageSize is [width, height] in pixels.
	ImageSize [2]int `json:"image_size"`

	// Timestamp is seconds since the Unix epoch.
	Timestamp float64 `json:"timestamp"`
}

// Width returns the image width in pixels.
func (f *Frame) Width() int { return f.ImageSize[0] }

// Height returns the image height in pixels.
func (f *Frame) Height() int { return f.ImageSize[1] }

// Valid reports whether the frame carries a full hand.
func (f *Frame) Valid() bool {
	return f != nil && len(f.Landmarks) >= NumLandmarks
}

// Time converts the frame timestamp to a time.Time.
func (f *Frame) Time() time.Time {
	sec := int64(f.Timestamp)
	nsec := int64((f.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Timestamp converts t to the wire representation.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Decode parses a single line (with or without the trailing newline).
func Decode(line []byte) (*Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// Encoder writes frames as newline-terminated JSON lines.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes f followed by '\n' in a single Write call so a line is
// never split across writes.
func (e *Encoder) Encode(f *Frame) error {
	e.buf.Reset()
	// json.Encoder appends the newline terminator.
	if err := json.NewEncoder(&e.buf).Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return err
	}
	return nil
}
