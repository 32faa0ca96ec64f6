// Package json encodes event payloads with goccy/go-json.
//
// Payloads cross the log as strings and are decoded with UseNumber, so an
// integer outside the float64 range is stored in the sink exactly as the
// producer sent it.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// Number is the literal form of a JSON number kept by UnmarshalUseNumber.
type Number = gojson.Number

const maxPooledBuffer = 1 << 20

var buffers = sync.Pool{
	New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 4096)) },
}

func Marshal(v interface{}) ([]byte, error) { return gojson.Marshal(v) }

func Unmarshal(data []byte, v interface{}) error { return gojson.Unmarshal(data, v) }

// UnmarshalUseNumber decodes data with numbers kept as Number.
func UnmarshalUseNumber(data []byte, v interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// MarshalToWriter writes v to w as indented JSON without HTML escaping.
func MarshalToWriter(w io.Writer, v interface{}) error {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// MarshalCompact encodes v without HTML escaping and without a trailing
// newline. The returned slice is owned by the caller.
func MarshalCompact(v interface{}) ([]byte, error) {
	buf := buffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			buffers.Put(buf)
		}
	}()

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}
