package bluez

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/ugorji/go/codec"
)

// variantExt is a go-codec extension to parse DBus variant values.
type variantExt struct{}

// ConvertExt converts a variant into an encodable value.
func (v variantExt) ConvertExt(variant any) any {
	switch value := variant.(type) {
	case *dbus.Variant:
		return value.Value()

	case dbus.Variant:
		return value.Value()
	}

	return variant
}

// UpdateExt is never used, since variants are only decoded from.
func (v variantExt) UpdateExt(dst, src any) {}

// resolver holds a shared encoder and decoder.
type resolver struct {
	ready bool

	encoder *codec.Encoder
	decoder *codec.Decoder
	data    []byte

	sync.Mutex
}

var variantDecoder resolver

// decodeVariantMap decodes the listed properties of a map of variants into data.
// Properties absent from the map leave data untouched, so a partial map
// from a PropertiesChanged signal merges into cached properties.
// MacAddress values are decoded through their TextUnmarshaler.
func decodeVariantMap(variants map[string]dbus.Variant, data any, props ...string) error {
	variantDecoder.Lock()
	defer variantDecoder.Unlock()

	if !variantDecoder.ready {
		handle := codec.JsonHandle{}
		handle.TypeInfos = codec.NewTypeInfos([]string{"codec"})
		handle.SetInterfaceExt(reflect.TypeOf(dbus.Variant{}), 1, variantExt{})
		handle.SetInterfaceExt(reflect.TypeOf((*dbus.Variant)(nil)), 1, variantExt{})

		variantDecoder.encoder = codec.NewEncoderBytes(&variantDecoder.data, &handle)
		variantDecoder.decoder = codec.NewDecoderBytes(variantDecoder.data, &handle)

		variantDecoder.ready = true
	}

	selected := make(map[string]any, len(props))
	for _, prop := range props {
		value, ok := variants[prop]
		if !ok {
			continue
		}

		if value.Signature().Empty() {
			return fmt.Errorf("no signature found for property '%s'", prop)
		}

		selected[prop] = value.Value()
	}

	variantDecoder.encoder.ResetBytes(&variantDecoder.data)
	if err := variantDecoder.encoder.Encode(selected); err != nil {
		return err
	}

	variantDecoder.decoder.ResetBytes(variantDecoder.data)

	return variantDecoder.decoder.Decode(data)
}
