package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(durationSec float64, rate int, amplitude float32) []float32 {
	n := int(durationSec * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestWAV_RoundTrip(t *testing.T) {
	orig := sine(0.5, 16000, 0.8)

	var buf bytes.Buffer
	require.NoError(t, EncodeWAV(&buf, orig, 16000))

	decoded, rate, err := DecodeWAV(&buf)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	require.Len(t, decoded, len(orig))
	for i := 0; i < len(orig); i += 1000 {
		assert.InDelta(t, orig[i], decoded[i], 1.0/32000)
	}
}

func TestWAV_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wav")
	orig := sine(0.25, 8000, 0.5)

	require.NoError(t, WriteWAVFile(path, orig, 8000))

	decoded, rate, err := DecodeWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, rate)
	assert.Len(t, decoded, len(orig))
}

func TestDecodeWAV_StereoMixesToMono(t *testing.T) {
	// Two frames of stereo PCM16: (L=16384, R=-16384) and (L=8192, R=8192).
	var buf bytes.Buffer
	writeWAVHeader(&buf, wavFormatPCM, 2, 16000, 16, 8)
	for _, v := range []int16{16384, -16384, 8192, 8192} {
		binary.Write(&buf, binary.LittleEndian, v)
	}

	samples, rate, err := DecodeWAV(&buf)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	require.Len(t, samples, 2)
	assert.InDelta(t, 0.0, float64(samples[0]), 1e-6, "opposite channels cancel")
	assert.InDelta(t, 0.25, float64(samples[1]), 1e-3)
}

func TestDecodeWAV_Float32(t *testing.T) {
	var buf bytes.Buffer
	writeWAVHeader(&buf, wavFormatFloat, 1, 16000, 32, 8)
	for _, v := range []float32{0.5, -0.25} {
		binary.Write(&buf, binary.LittleEndian, v)
	}

	samples, rate, err := DecodeWAV(&buf)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	require.Len(t, samples, 2)
	assert.InDelta(t, 0.5, float64(samples[0]), 1e-6)
	assert.InDelta(t, -0.25, float64(samples[1]), 1e-6)
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	orig := sine(0.1, 16000, 0.5)
	var wav bytes.Buffer
	require.NoError(t, EncodeWAV(&wav, orig, 16000))

	// Splice a LIST chunk between the fmt and data chunks.
	raw := wav.Bytes()
	var spliced bytes.Buffer
	spliced.Write(raw[:36])
	spliced.WriteString("LIST")
	binary.Write(&spliced, binary.LittleEndian, uint32(4))
	spliced.WriteString("INFO")
	spliced.Write(raw[36:])
	// Fix the RIFF size.
	out := spliced.Bytes()
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))

	decoded, _, err := DecodeWAV(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Len(t, decoded, len(orig))
}

func TestDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, WriteWAVFile(path, sine(2.5, 16000, 0.5), 16000))

	d, err := Duration(path)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, d, 0.001)
}

func TestDuration_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Duration(filepath.Join(t.TempDir(), "nope.wav"))
		assert.Error(t, err)
	})

	t.Run("not a wav", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bogus.wav")
		require.NoError(t, os.WriteFile(path, []byte("this is not audio at all, sorry"), 0o644))
		_, err := Duration(path)
		assert.Error(t, err)
	})
}

func TestDecodeWAV_Errors(t *testing.T) {
	t.Run("not a wav", func(t *testing.T) {
		_, _, err := DecodeWAV(bytes.NewReader([]byte("definitely not a riff file")))
		assert.Error(t, err)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, _, err := DecodeWAV(bytes.NewReader([]byte("RIFF")))
		assert.Error(t, err)
	})

	t.Run("unsupported encoding", func(t *testing.T) {
		var buf bytes.Buffer
		writeWAVHeader(&buf, wavFormatPCM, 1, 16000, 8, 2)
		buf.Write([]byte{0x80, 0x80})
		_, _, err := DecodeWAV(&buf)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported wav encoding")
	})
}

// writeWAVHeader writes a minimal RIFF/fmt/data preamble; dataSize bytes of
// sample data must follow.
func writeWAVHeader(buf *bytes.Buffer, format, channels uint16, rate uint32, bits uint16, dataSize uint32) {
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, format)
	binary.Write(buf, binary.LittleEndian, channels)
	binary.Write(buf, binary.LittleEndian, rate)
	binary.Write(buf, binary.LittleEndian, rate*uint32(channels)*uint32(bits)/8)
	binary.Write(buf, binary.LittleEndian, uint16(uint32(channels)*uint32(bits)/8))
	binary.Write(buf, binary.LittleEndian, bits)
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
}
