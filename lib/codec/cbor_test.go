// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sampleFrame struct {
	Sequence   uint64 `cbor:"seq"`
	SampleRate int    `cbor:"rate"`
	PCM        []byte `cbor:"pcm"`
}

func TestMarshalUnmarshal_Frame(t *testing.T) {
	original := sampleFrame{Sequence: 42, SampleRate: 16000, PCM: []byte{1, 2, 3, 4}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleFrame
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Sequence != original.Sequence || decoded.SampleRate != original.SampleRate ||
		!bytes.Equal(decoded.PCM, original.PCM) {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	frame := map[string]any{"b": 2, "a": 1, "c": []byte("x")}

	first, err := Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(frame)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x != %x", first, again)
		}
	}
}

func TestUnmarshal_AnyMapUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"seq": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	var decoded sampleFrame
	if err := Unmarshal([]byte{0xff, 0x00, 0x13}, &decoded); err == nil {
		t.Fatal("Unmarshal accepted garbage")
	}
}
