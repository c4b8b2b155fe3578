package operator

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Well-known metadata parameter keys.
const (
	KeyWatermark            = "watermark"
	KeyDeadline             = "deadline"
	KeyOpenTelemetryContext = "open_telemetry_context"
)

// Parameter is one key/value pair of Metadata.
type Parameter struct {
	Key   string
	Value any
}

// Metadata is the ordered, open parameter mapping attached to every input and
// output. Keys keep their insertion order. The zero value is empty and ready to use.
type Metadata struct {
	params []Parameter
}

// NewMetadata builds Metadata from ordered parameters. Later duplicates replace
// earlier values but keep the first position.
func NewMetadata(params ...Parameter) Metadata {
	var md Metadata
	for _, p := range params {
		md.Set(p.Key, p.Value)
	}
	return md
}

// Len returns the number of parameters.
func (m Metadata) Len() int { return len(m.params) }

// Get returns the value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	for _, p := range m.params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Set stores value under key, replacing any existing value in place.
func (m *Metadata) Set(key string, value any) {
	for i := range m.params {
		if m.params[i].Key == key {
			m.params[i].Value = value
			return
		}
	}
	m.params = append(m.params, Parameter{Key: key, Value: value})
}

// Parameters returns a copy of the ordered parameters.
func (m Metadata) Parameters() []Parameter {
	out := make([]Parameter, len(m.params))
	copy(out, m.params)
	return out
}

// Clone returns an independent copy of m. Nested maps, slices and arrays are
// copied too; values behind pointers are shared.
func (m Metadata) Clone() Metadata {
	params := make([]Parameter, len(m.params))
	for i, p := range m.params {
		params[i] = Parameter{Key: p.Key, Value: copyValue(p.Value)}
	}
	return Metadata{params: params}
}

func copyValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int64, uint64, float64:
		return v
	case []byte:
		return append([]byte(nil), x...)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = copyValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = copyValue(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyElem(iter.Value(), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyElem(rv.Index(i), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(copyElem(rv.Index(i), rv.Type().Elem()))
		}
		return out.Interface()
	}
	return v
}

// copyElem copies a map or slice element, keeping its static type
func copyElem(v reflect.Value, typ reflect.Type) reflect.Value {
	if !v.CanInterface() {
		return v
	}
	c := copyValue(v.Interface())
	if c == nil {
		return reflect.Zero(typ)
	}
	return reflect.ValueOf(c)
}

// OpenTelemetryContext returns the serialized trace context, or "" when absent.
func (m Metadata) OpenTelemetryContext() string {
	v, _ := m.Get(KeyOpenTelemetryContext)
	s, _ := v.(string)
	return s
}

// WithOpenTelemetryContext returns a copy of m whose trace context is replaced by cx.
func (m Metadata) WithOpenTelemetryContext(cx string) Metadata {
	out := m.Clone()
	out.Set(KeyOpenTelemetryContext, cx)
	return out
}

// Watermark returns the watermark parameter, or 0 when absent.
func (m Metadata) Watermark() uint64 {
	return m.uint(KeyWatermark)
}

// Deadline returns the deadline parameter, or 0 when absent.
func (m Metadata) Deadline() uint64 {
	return m.uint(KeyDeadline)
}

func (m Metadata) uint(key string) uint64 {
	v, ok := m.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		if n >= 0 {
			return uint64(n)
		}
	case int:
		if n >= 0 {
			return uint64(n)
		}
	case float64:
		if n >= 0 {
			return uint64(n)
		}
	}
	return 0
}

// wellKnown is the typed view mapstructure decodes the reserved keys into.
type wellKnown struct {
	Watermark            *uint64 `mapstructure:"watermark"`
	Deadline             *uint64 `mapstructure:"deadline"`
	OpenTelemetryContext *string `mapstructure:"open_telemetry_context"`
}

// ParseMetadata validates a loosely typed parameter mapping and converts it into
// Metadata. keys fixes the parameter order; keys missing from values are skipped.
// Reserved keys must carry their declared type and every other value must be a
// JSON-like value (nil, bool, string, number, []any, map[string]any).
func ParseMetadata(keys []string, values map[string]any) (Metadata, error) {
	if len(values) == 0 {
		return Metadata{}, nil
	}

	var known wellKnown
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &known,
		WeaklyTypedInput: false,
		ErrorUnused:      false,
	})
	if err != nil {
		return Metadata{}, err
	}
	if err := decoder.Decode(values); err != nil {
		return Metadata{}, err
	}

	var md Metadata
	for _, key := range keys {
		value, ok := values[key]
		if !ok {
			continue
		}
		switch key {
		case KeyWatermark:
			if known.Watermark != nil {
				value = *known.Watermark
			}
		case KeyDeadline:
			if known.Deadline != nil {
				value = *known.Deadline
			}
		case KeyOpenTelemetryContext:
			if known.OpenTelemetryContext != nil {
				value = *known.OpenTelemetryContext
			}
		default:
			if err := checkValue(value); err != nil {
				return Metadata{}, fmt.Errorf("parameter %q: %w", key, err)
			}
		}
		md.Set(key, value)
	}
	return md, nil
}

func checkValue(v any) error {
	switch val := v.(type) {
	case nil, bool, string, int, int32, int64, uint64, float32, float64:
		return nil
	case []any:
		for i, item := range val {
			if err := checkValue(item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, item := range val {
			if err := checkValue(item); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value of type %T", v)
	}
}
