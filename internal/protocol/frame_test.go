package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testFrame(n int) *Frame {
	f := &Frame{ImageSize: [2]int{640, 480}, Timestamp: 1700000000.5}
	for i := 0; i < n; i++ {
		f.Landmarks = append(f.Landmarks, [3]float64{-0.01 * float64(i), float64(10 * i), float64(5 * i)})
	}
	return f
}

func TestEncoder_WritesOneLinePerFrame(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(testFrame(NumLandmarks)))
	require.NoError(t, enc.Encode(testFrame(3)))

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, "\n"))
	require.True(t, strings.HasSuffix(out, "\n"))

	r := bufio.NewReader(&buf)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)

	f, err := Decode(line)
	require.NoError(t, err)
	require.Len(t, f.Landmarks, NumLandmarks)
	require.Equal(t, 640, f.Width())
	require.Equal(t, 480, f.Height())
	require.True(t, f.Valid())

	line, err = r.ReadBytes('\n')
	require.NoError(t, err)
	f, err = Decode(line)
	require.NoError(t, err)
	require.False(t, f.Valid())
}

func TestEncoder_FieldNames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(testFrame(1)))

	out := buf.String()
	for _, key := range []string{`"landmarks":`, `"image_size":[640,480]`, `"timestamp":`} {
		require.Contains(t, out, key)
	}
}

func TestDecode(t *testing.T) {
	t.Run("wire sample", func(t *testing.T) {
		f, err := Decode([]byte(`{"landmarks": [[0.0, 160, 120]], "image_size": [320, 240], "timestamp": 12.5}` + "\n"))
		require.NoError(t, err)
		require.Equal(t, [3]float64{0, 160, 120}, f.Landmarks[0])
		require.Equal(t, [2]int{320, 240}, f.ImageSize)
		require.InDelta(t, 12.5, f.Timestamp, 1e-9)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Decode([]byte(`{"landmarks": [[1,2`))
		require.Error(t, err)
	})

	t.Run("blank", func(t *testing.T) {
		_, err := Decode([]byte("  \r\n"))
		require.True(t, errors.Is(err, ErrEmptyLine))
	})
}

func TestTimestamp_RoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 250_000_000)
	f := Frame{Timestamp: Timestamp(now)}
	require.WithinDuration(t, now, f.Time(), time.Microsecond)
}

func TestFrame_ValidNil(t *testing.T) {
	var f *Frame
	require.False(t, f.Valid())
}
