package marshal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// ParseJSON decodes text into canonical form, keeping integers as int64.
func ParseJSON(text string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value at offset %d", dec.InputOffset())
	}
	return Normalize(out), nil
}

// Stringify renders v the way JSON.stringify renders sandbox values.
// Strings are returned unquoted.
func Stringify(v any) string {
	n := Normalize(v)
	switch t := n.(type) {
	case string:
		return t
	case absent:
		return "undefined"
	}
	b, err := json.Marshal(n)
	if err != nil {
		return UnmarshalablePlaceholder
	}
	return string(b)
}
