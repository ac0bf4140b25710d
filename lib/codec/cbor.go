// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same frame always produces
// identical bytes, so compressing it is reproducible and a key file
// rewritten with unchanged contents is byte-identical.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are silently ignored so
// a newer peer can add fields to audio frames without breaking an
// older one. Size limits bound what a corrupt or hostile frame can make
// the decoder allocate.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// tether never uses non-string map keys. When the target is
		// any, the decoder must pick a concrete map type, and the CBOR
		// default of map[any]any is incompatible with encoding/json
		// and with code expecting map[string]any. Struct fields are
		// unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Audio frames and key files are small. Reject anything that
		// claims to be larger before allocating for it.
		MaxArrayElements: 65536,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored.
// Input that exceeds the array or map limits fails before any large
// allocation.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
