// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/tether/lib/codec"
)

// AudioFrame is one captured slice of audio.
type AudioFrame struct {
	Seq        uint64 `cbor:"seq"`
	SampleRate int    `cbor:"rate"`
	Channels   int    `cbor:"channels"`
	PCM        []byte `cbor:"pcm"`
}

// AudioSource captures local audio for the fallback path. ReadFrame
// blocks until a frame is available or ctx is done.
type AudioSource interface {
	ReadFrame(ctx context.Context) (AudioFrame, error)
	Close() error
}

// AudioSink plays the peer's fallback audio.
type AudioSink interface {
	WriteFrame(AudioFrame) error
	Close() error
}

// Devices opens the local audio devices for the fallback path. Errors
// should wrap ErrPermissionDenied or ErrDeviceUnavailable where they
// apply.
type Devices interface {
	OpenCapture() (AudioSource, error)
	OpenPlayback() (AudioSink, error)
}

// Compression selects how audio-chunk payloads are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// Chunk encodings on the wire.
const (
	encodingCBOR     = "cbor"
	encodingCBORZstd = "cbor+zstd"
	encodingCBORLZ4  = "cbor+lz4"
)

// maxFrameSize bounds a decoded frame so a corrupt Size cannot force a
// large allocation. A second of 48kHz stereo 16-bit PCM is 192000
// bytes.
const maxFrameSize = 1 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("call: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		panic("call: zstd decoder initialization failed: " + err.Error())
	}
}

// ParseCompression parses a configured compression name.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case CompressionNone, CompressionZstd, CompressionLZ4:
		return Compression(name), nil
	case "":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown audio compression %q", name)
	}
}

// EncodeChunk encodes frame for callID. Frames that do not shrink are
// sent uncompressed.
func EncodeChunk(callID string, frame AudioFrame, compression Compression) (AudioChunkData, error) {
	encoded, err := codec.Marshal(frame)
	if err != nil {
		return AudioChunkData{}, fmt.Errorf("encoding audio frame: %w", err)
	}
	chunk := AudioChunkData{
		CallID:   callID,
		Seq:      frame.Seq,
		Encoding: encodingCBOR,
		Size:     len(encoded),
		Payload:  encoded,
	}
	switch compression {
	case CompressionZstd:
		if compressed := zstdEncoder.EncodeAll(encoded, nil); len(compressed) < len(encoded) {
			chunk.Encoding, chunk.Payload = encodingCBORZstd, compressed
		}
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(encoded)))
		written, err := lz4.CompressBlock(encoded, destination, nil)
		if err != nil {
			return AudioChunkData{}, fmt.Errorf("lz4 compress: %w", err)
		}
		// Zero means incompressible.
		if written > 0 && written < len(encoded) {
			chunk.Encoding, chunk.Payload = encodingCBORLZ4, destination[:written]
		}
	}
	return chunk, nil
}

// DecodeChunk reverses EncodeChunk.
func DecodeChunk(chunk AudioChunkData) (AudioFrame, error) {
	if chunk.Size <= 0 || chunk.Size > maxFrameSize {
		return AudioFrame{}, fmt.Errorf("audio chunk size %d out of range", chunk.Size)
	}
	var encoded []byte
	switch chunk.Encoding {
	case encodingCBOR:
		encoded = chunk.Payload
	case encodingCBORZstd:
		decoded, err := zstdDecoder.DecodeAll(chunk.Payload, make([]byte, 0, chunk.Size))
		if err != nil {
			return AudioFrame{}, fmt.Errorf("zstd decompress: %w", err)
		}
		encoded = decoded
	case encodingCBORLZ4:
		destination := make([]byte, chunk.Size)
		read, err := lz4.UncompressBlock(chunk.Payload, destination)
		if err != nil {
			return AudioFrame{}, fmt.Errorf("lz4 decompress: %w", err)
		}
		encoded = destination[:read]
	default:
		return AudioFrame{}, fmt.Errorf("unknown audio chunk encoding %q", chunk.Encoding)
	}
	if len(encoded) != chunk.Size {
		return AudioFrame{}, fmt.Errorf("audio chunk decoded to %d bytes, expected %d", len(encoded), chunk.Size)
	}

	var frame AudioFrame
	if err := codec.Unmarshal(encoded, &frame); err != nil {
		return AudioFrame{}, fmt.Errorf("decoding audio frame: %w", err)
	}
	if frame.Seq != chunk.Seq {
		return AudioFrame{}, errors.New("audio chunk sequence does not match its frame")
	}
	return frame, nil
}
