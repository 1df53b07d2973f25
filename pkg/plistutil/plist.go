// Package plistutil wraps howett.net/plist with the helpers every Apple
// protocol client in this module needs: a single encode/decode boundary and
// typed accessors for untyped dictionaries.
package plistutil

import (
	"bytes"
	"fmt"

	"github.com/plume-impactor/impactor/pkg/fault"
	"howett.net/plist"
)

// Dict is an untyped property-list dictionary.
type Dict = map[string]any

// Encode serializes v as an XML property list.
func Encode(v any) ([]byte, error) {
	data, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("%w: plist encode: %v", fault.ErrParse, err)
	}
	return data, nil
}

// EncodeBinary serializes v as a binary property list.
func EncodeBinary(v any) ([]byte, error) {
	data, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: plist encode: %v", fault.ErrParse, err)
	}
	return data, nil
}

// Decode parses an XML or binary property list into v.
func Decode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty plist", fault.ErrParse)
	}
	if _, err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: plist decode: %v", fault.ErrParse, err)
	}
	return nil
}

// DecodeDict parses data into an untyped dictionary.
func DecodeDict(data []byte) (Dict, error) {
	var d Dict
	if err := Decode(data, &d); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: plist root is not a dictionary", fault.ErrParse)
	}
	return d, nil
}

// Convert re-encodes an untyped value into a typed struct.
func Convert(src any, dst any) error {
	data, err := EncodeBinary(src)
	if err != nil {
		return err
	}
	return Decode(data, dst)
}
