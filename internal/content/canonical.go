package content

import (
	"bytes"
	"encoding/json"
)

// Canonical re-encodes a JSON document with sorted keys, no insignificant
// whitespace and no HTML escaping. Numbers keep their original text, so equal
// documents hash to equal identifiers regardless of how they were assembled.
func Canonical(doc []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
