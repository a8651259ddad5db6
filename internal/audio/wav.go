package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"strings"

	"github.com/ent0n29/voxnote/internal/apperr"
)

// DefaultSampleRate is assumed when a stream does not announce one.
const DefaultSampleRate = 16000

const wavHeaderSize = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if uint64(len(pcm)) > math.MaxUint32-wavHeaderSize {
		return nil, apperr.New(apperr.KindValidation, "audio too large for a WAV container")
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	out := make([]byte, wavHeaderSize, wavHeaderSize+len(pcm))
	putWAVHeader(out, uint32(len(pcm)), uint32(sampleRate))
	return append(out, pcm...), nil
}

// putWAVHeader fills the canonical 44-byte RIFF header for mono 16-bit PCM.
func putWAVHeader(h []byte, dataSize, sampleRate uint32) {
	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)
	le := binary.LittleEndian
	copy(h[0:4], "RIFF")
	le.PutUint32(h[4:8], wavHeaderSize-8+dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	le.PutUint32(h[16:20], 16)
	le.PutUint16(h[20:22], 1) // linear PCM
	le.PutUint16(h[22:24], channels)
	le.PutUint32(h[24:28], sampleRate)
	le.PutUint32(h[28:32], sampleRate*blockAlign)
	le.PutUint16(h[32:34], blockAlign)
	le.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	le.PutUint32(h[40:44], dataSize)
}

// DurationSeconds reports the playback length of PCM16LE mono audio.
func DurationSeconds(pcmBytes, sampleRate int) float64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if pcmBytes <= 0 {
		return 0
	}
	return float64(pcmBytes/2) / float64(sampleRate)
}

// DecodeChunk decodes one base64 audio chunk. Data URL prefixes
// ("data:audio/wav;base64,") are stripped.
func DecodeChunk(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}
	if encoded == "" {
		return nil, apperr.New(apperr.KindValidation, "empty audio chunk").
			WithUserMessage("Audio chunk was empty.")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			// Some browsers send unpadded chunks.
			if alt, altErr := base64.RawStdEncoding.DecodeString(encoded); altErr == nil {
				return alt, nil
			}
		}
		return nil, apperr.Wrap(err, apperr.KindValidation, "decode audio chunk")
	}
	return raw, nil
}
