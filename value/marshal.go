package value

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR modes. Encoding is deterministic (sorted map keys,
// shortest forms) so identical values always produce identical bytes;
// decoding forces string-keyed maps to match the variant's map shape.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Export())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(v.Export())
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
