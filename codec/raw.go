package codec

import "slices"

// Bytes stores Client[[]byte] data as is. Both directions copy, so query
// data never aliases a provider's buffer.
type Bytes struct{}

func (Bytes) Name() string                    { return "bytes" }
func (Bytes) Encode(b []byte) ([]byte, error) { return slices.Clone(b), nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return slices.Clone(b), nil }

// String stores Client[string] data as UTF-8 without validation.
type String struct{}

func (String) Name() string                    { return "string" }
func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
