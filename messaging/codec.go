package messaging

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same payload always
// produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields and decodes untyped maps as
// map[string]any.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("messaging: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("messaging: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as a CBOR payload. A nil v encodes to nil.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return encMode.Marshal(v)
}

// Unmarshal decodes a CBOR payload into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
