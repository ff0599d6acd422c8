package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// CanonicalSampleRate is the sample rate every backend receives.
	CanonicalSampleRate = 16000
	canonicalChannels   = 1
	formatPCM           = 1
	formatExtensible    = 0xFFFE
)

var errNotWAV = errors.New("not a RIFF/WAVE file")

// WAVInfo is what the preprocessor needs from a WAV header.
type WAVInfo struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	BlockAlign    uint16
	// DataOffset and DataSize locate the sample data in the file.
	DataOffset int64
	DataSize   int64
}

// Frames is the number of sample frames in the data chunk.
func (w WAVInfo) Frames() int64 {
	if w.BlockAlign == 0 {
		return 0
	}
	return w.DataSize / int64(w.BlockAlign)
}

// Duration returns frames / sample rate in seconds.
func (w WAVInfo) Duration() (float64, error) {
	if w.SampleRate == 0 {
		return 0, fmt.Errorf("audio sample rate is 0")
	}
	return float64(w.Frames()) / float64(w.SampleRate), nil
}

// Canonical reports whether the file can go to a backend without conversion.
func (w WAVInfo) Canonical() bool {
	return (w.Format == formatPCM || w.Format == formatExtensible) &&
		w.Channels == canonicalChannels &&
		w.SampleRate == CanonicalSampleRate &&
		w.BitsPerSample == 16
}

// ReadWAVInfo parses the RIFF chunk list up to and including the data chunk header.
func ReadWAVInfo(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return WAVInfo{}, err
	}
	return parseWAVHeader(f, stat.Size())
}

func parseWAVHeader(r io.ReadSeeker, fileSize int64) (WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVInfo{}, errNotWAV
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVInfo{}, errNotWAV
	}

	var info WAVInfo
	haveFmt := false
	offset := int64(12)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return WAVInfo{}, fmt.Errorf("wav: missing data chunk")
		}
		offset += 8
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		if id != "data" && size > fileSize-offset {
			return WAVInfo{}, fmt.Errorf("wav: %q chunk size %d exceeds file", id, size)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, fmt.Errorf("wav: fmt chunk too short (%d bytes)", size)
			}
			var buf [16]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return WAVInfo{}, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			// Extension bytes (cbSize, WAVE_FORMAT_EXTENSIBLE) are not needed.
			if _, err := r.Seek(size-16, io.SeekCurrent); err != nil {
				return WAVInfo{}, fmt.Errorf("wav: skip fmt extension: %w", err)
			}
			info.Format = binary.LittleEndian.Uint16(buf[0:2])
			info.Channels = binary.LittleEndian.Uint16(buf[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			info.BlockAlign = binary.LittleEndian.Uint16(buf[12:14])
			info.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			info.DataOffset = offset
			// Streamed writers leave the size unset; trust the file length instead.
			if remaining := fileSize - offset; size > remaining || size == 0xFFFFFFFF {
				size = remaining
			}
			info.DataSize = size
			return info, nil
		default:
			if _, err := r.Seek(size, io.SeekCurrent); err != nil {
				return WAVInfo{}, fmt.Errorf("wav: skip %q chunk: %w", id, err)
			}
		}
		offset += size
		// Chunks are word aligned.
		if size%2 == 1 {
			if _, err := r.Seek(1, io.SeekCurrent); err != nil {
				return WAVInfo{}, err
			}
			offset++
		}
	}
}

// ReadSamples decodes a canonical WAV into float32 samples in [-1, 1).
func ReadSamples(path string) ([]float32, error) {
	info, err := ReadWAVInfo(path)
	if err != nil {
		return nil, err
	}
	if !info.Canonical() {
		return nil, fmt.Errorf("wav: %s is not 16-bit mono %d Hz", path, CanonicalSampleRate)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(info.DataOffset, io.SeekStart); err != nil {
		return nil, err
	}
	raw := make([]byte, info.Frames()*2)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("wav: read samples: %w", err)
	}

	samples := make([]float32, len(raw)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2])) // #nosec G115 - reinterpreting PCM bits
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}
