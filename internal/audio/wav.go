// Package audio turns extracted WAV files into speech chunks ready for
// transcription: decode, mono mixdown, resample, optional denoise, voice
// activity detection, slicing.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// DecodeWAVFile reads a RIFF WAV file as float32 mono samples.
func DecodeWAVFile(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes a RIFF WAV stream to float32 mono in [-1,1].
// 16-bit PCM and 32-bit IEEE float are supported, which covers what the
// converter writes and what runners receive. Multi-channel input is
// averaged down to mono.
func DecodeWAV(r io.Reader) ([]float32, int, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a wav file")
	}

	var (
		format     uint16
		channels   uint16
		sampleRate uint32
		bits       uint16
		haveFmt    bool
		data       []byte
	)

	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, 0, fmt.Errorf("reading chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if size < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			format = binary.LittleEndian.Uint16(buf[0:2])
			channels = binary.LittleEndian.Uint16(buf[2:4])
			sampleRate = binary.LittleEndian.Uint32(buf[4:8])
			bits = binary.LittleEndian.Uint16(buf[14:16])
			haveFmt = true
		case "data":
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, fmt.Errorf("reading data chunk: %w", err)
			}
			data = buf
		default:
			// Skip LIST, fact and other chunks; sizes are padded to even.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, 0, fmt.Errorf("skipping %s chunk: %w", id, err)
			}
			continue
		}
		if size%2 == 1 {
			io.CopyN(io.Discard, r, 1)
		}
		if haveFmt && data != nil {
			break
		}
	}

	if !haveFmt {
		return nil, 0, fmt.Errorf("wav has no fmt chunk")
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("wav has zero channels")
	}
	if data == nil {
		return nil, int(sampleRate), nil
	}

	var samples []float32
	switch {
	case format == wavFormatPCM && bits == 16:
		samples = decodePCM16(data, int(channels))
	case format == wavFormatFloat && bits == 32:
		samples = decodeFloat32(data, int(channels))
	default:
		return nil, 0, fmt.Errorf("unsupported wav encoding: format %d, %d bits", format, bits)
	}
	return samples, int(sampleRate), nil
}

func decodePCM16(data []byte, channels int) []float32 {
	frameBytes := 2 * channels
	frames := len(data) / frameBytes
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(data[i*frameBytes+c*2:]))
			sum += float32(v) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func decodeFloat32(data []byte, channels int) []float32 {
	frameBytes := 4 * channels
	frames := len(data) / frameBytes
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			bits := binary.LittleEndian.Uint32(data[i*frameBytes+c*4:])
			sum += math.Float32frombits(bits)
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodeWAV writes float32 mono samples as a 16-bit PCM WAV. Used to hand
// individual speech chunks to the whisper CLI.
func EncodeWAV(w io.Writer, samples []float32, sampleRate int) error {
	dataSize := len(samples) * 2

	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataSize))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(hdr[32:34], 2)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataSize))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing wav header: %w", err)
	}

	buf := make([]byte, dataSize)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing wav samples: %w", err)
	}
	return nil
}

// WriteWAVFile encodes samples to a file.
func WriteWAVFile(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating wav: %w", err)
	}
	if err := EncodeWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Duration reports a WAV file's length in seconds from its header alone.
// Chunk bodies are seeked over, not read, so this is cheap enough for
// periodic supervisor scans of large files.
func Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return 0, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a wav file")
	}

	var (
		byteRate uint32
		dataSize uint32
		haveFmt  bool
		haveData bool
	)
	for !(haveFmt && haveData) {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return 0, fmt.Errorf("reading chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return 0, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			var buf [16]byte
			if _, err := io.ReadFull(f, buf[:]); err != nil {
				return 0, fmt.Errorf("reading fmt chunk: %w", err)
			}
			byteRate = binary.LittleEndian.Uint32(buf[8:12])
			haveFmt = true
			if rest := int64(size) - 16; rest > 0 {
				if _, err := f.Seek(rest+rest%2, io.SeekCurrent); err != nil {
					return 0, err
				}
			}
		case "data":
			dataSize = size
			haveData = true
			if _, err := f.Seek(int64(size)+int64(size%2), io.SeekCurrent); err != nil {
				return 0, err
			}
		default:
			if _, err := f.Seek(int64(size)+int64(size%2), io.SeekCurrent); err != nil {
				return 0, err
			}
		}
	}

	if !haveFmt || byteRate == 0 {
		return 0, fmt.Errorf("wav has no usable fmt chunk")
	}
	if !haveData {
		return 0, fmt.Errorf("wav has no data chunk")
	}
	return float64(dataSize) / float64(byteRate), nil
}
