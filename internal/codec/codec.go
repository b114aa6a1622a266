// Package codec converts opaque nested values to and from the text form
// stored by the session backends.
//
// Every codec works on the same canonical value tree:
//
//	nil, bool, int64, float64, string, []any, map[string]any
//
// Normalize maps arbitrary Go values onto that tree, so a value that went
// through Encode and Decode compares equal (reflect.DeepEqual) to its
// normalized input. Integers and floats stay distinct: 1 decodes as int64,
// 1.0 as float64.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnsupported is returned when a value has no canonical representation
	// (channels, functions, NaN, maps with non-string keys, ...).
	ErrUnsupported = errors.New("unsupported value")
	// ErrMalformed is returned when stored text cannot be decoded.
	ErrMalformed = errors.New("malformed encoded value")
)

// Codec encodes canonical values to text and back.
type Codec interface {
	// Name is the configuration name of the codec.
	Name() string
	// Encode normalizes v and renders it as text.
	Encode(v any) (string, error)
	// Decode parses text into a canonical value tree.
	Decode(text string) (any, error)
}

// Default is the codec used when none is configured.
var Default Codec = JSON

// ByName returns the codec registered under name ("json" or "yaml").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// formatFloat renders f so that it is read back as a float, never as an int.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
