package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// wavHeaderSize is the byte length of a canonical PCM WAV header
// (RIFF chunk descriptor + fmt chunk + data chunk header).
const wavHeaderSize = 44

// EncodeWAV writes pcm as a 16-bit PCM WAV stream to w.
func EncodeWAV(w io.Writer, pcm []byte, f Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("audio: invalid WAV format %+v", f)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio: odd byte count %d in 16-bit PCM data", len(pcm))
	}

	const bitsPerSample = 16
	blockAlign := f.Channels * bitsPerSample / 8
	byteRate := f.SampleRate * blockAlign

	var hdr bytes.Buffer
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, uint32(36+len(pcm)))
	hdr.WriteString("WAVE")
	hdr.WriteString("fmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16)) // fmt chunk size
	binary.Write(&hdr, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(&hdr, binary.LittleEndian, uint16(f.Channels))
	binary.Write(&hdr, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(&hdr, binary.LittleEndian, uint32(byteRate))
	binary.Write(&hdr, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&hdr, binary.LittleEndian, uint16(bitsPerSample))
	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, uint32(len(pcm)))

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("audio: write WAV header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write WAV data: %w", err)
	}
	return nil
}

// WriteWAVFile writes pcm as a 16-bit PCM WAV file at path, creating or
// truncating it.
func WriteWAVFile(path string, pcm []byte, f Format) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", path, err)
	}
	if err := EncodeWAV(out, pcm, f); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("audio: close %q: %w", path, err)
	}
	return nil
}

// DecodeWAV reads a canonical 16-bit PCM WAV stream and returns its data
// chunk and format. Only uncompressed PCM with a 16-byte fmt chunk directly
// followed by the data chunk is accepted, which covers files this package
// writes and whisper.cpp consumes.
func DecodeWAV(r io.Reader) ([]byte, Format, error) {
	var hdr [wavHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, Format{}, fmt.Errorf("audio: read WAV header: %w", err)
	}

	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("audio: not a RIFF/WAVE stream")
	}
	if string(hdr[12:16]) != "fmt " || binary.LittleEndian.Uint32(hdr[16:20]) != 16 {
		return nil, Format{}, fmt.Errorf("audio: unsupported fmt chunk")
	}
	if audioFormat := binary.LittleEndian.Uint16(hdr[20:22]); audioFormat != 1 {
		return nil, Format{}, fmt.Errorf("audio: unsupported WAV encoding %d, want PCM", audioFormat)
	}
	if bits := binary.LittleEndian.Uint16(hdr[34:36]); bits != 16 {
		return nil, Format{}, fmt.Errorf("audio: unsupported bit depth %d, want 16", bits)
	}
	if string(hdr[36:40]) != "data" {
		return nil, Format{}, fmt.Errorf("audio: missing data chunk")
	}

	f := Format{
		Channels:   int(binary.LittleEndian.Uint16(hdr[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(hdr[24:28])),
	}
	size := binary.LittleEndian.Uint32(hdr[40:44])

	pcm := make([]byte, size)
	if _, err := io.ReadFull(r, pcm); err != nil {
		return nil, Format{}, fmt.Errorf("audio: read WAV data: %w", err)
	}
	return pcm, f, nil
}

// ReadWAVFile reads the WAV file at path and returns its PCM data and format.
func ReadWAVFile(path string) ([]byte, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// WAVFileDuration returns the audio duration of the WAV file at path.
func WAVFileDuration(path string) (time.Duration, error) {
	pcm, f, err := ReadWAVFile(path)
	if err != nil {
		return 0, err
	}
	return f.Duration(len(pcm)), nil
}
