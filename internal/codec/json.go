package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// JSON stores values as compact JSON with sorted object keys.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(v any) (string, error) {
	canonical, err := Normalize(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(toJSONTree(canonical)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func (jsonCodec) Decode(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after value", ErrMalformed)
	}
	return fromJSONTree(raw)
}

// toJSONTree replaces numbers with literals that keep the int/float split.
func toJSONTree(v any) any {
	switch x := v.(type) {
	case int64:
		return json.Number(strconv.FormatInt(x, 10))
	case float64:
		return json.Number(formatFloat(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = toJSONTree(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = toJSONTree(item)
		}
		return out
	default:
		return v
	}
}

func fromJSONTree(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		return numberFromText(string(x))
	case map[string]any:
		for k, item := range x {
			n, err := fromJSONTree(item)
			if err != nil {
				return nil, err
			}
			x[k] = n
		}
		return x, nil
	case []any:
		for i, item := range x {
			n, err := fromJSONTree(item)
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	default:
		return v, nil
	}
}
