package jsoperator

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dop251/goja"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/operator"
)

// newUint8Array copies data into a fresh Uint8Array
func newUint8Array(vm *goja.Runtime, data []byte) (goja.Value, error) {
	buf := vm.NewArrayBuffer(append([]byte(nil), data...))
	arr, err := vm.New(vm.Get("Uint8Array"), vm.ToValue(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to create Uint8Array: %w", err)
	}
	return arr, nil
}

// exportBytes returns an owned copy of a JavaScript byte payload. Typed arrays,
// ArrayBuffers, strings (UTF-8) and arrays of integers in 0..255 are accepted.
func exportBytes(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("%w, got %s", derrors.ErrInvalidData, describe(v))
	}

	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...), nil
	case []byte:
		return append([]byte(nil), x...), nil
	case string:
		return []byte(x), nil
	case []interface{}:
		out := make([]byte, len(x))
		for i, item := range x {
			b, ok := byteValue(item)
			if !ok {
				return nil, fmt.Errorf("%w, element %d is %v", derrors.ErrInvalidData, i, item)
			}
			out[i] = b
		}
		return out, nil
	}

	// other typed array views expose their backing buffer
	if obj, ok := v.(*goja.Object); ok {
		bufVal, offsetVal, lengthVal := obj.Get("buffer"), obj.Get("byteOffset"), obj.Get("byteLength")
		if bufVal != nil && offsetVal != nil && lengthVal != nil {
			if buf, ok := bufVal.Export().(goja.ArrayBuffer); ok {
				offset, length := offsetVal.ToInteger(), lengthVal.ToInteger()
				raw := buf.Bytes()
				if offset >= 0 && length >= 0 && offset+length <= int64(len(raw)) {
					return append([]byte(nil), raw[offset:offset+length]...), nil
				}
			}
		}
	}

	return nil, fmt.Errorf("%w, got %s", derrors.ErrInvalidData, describe(v))
}

func byteValue(item interface{}) (byte, bool) {
	switch n := item.(type) {
	case int64:
		if n >= 0 && n <= math.MaxUint8 {
			return byte(n), true
		}
	case float64:
		if n >= 0 && n <= math.MaxUint8 && n == math.Trunc(n) {
			return byte(n), true
		}
	}
	return 0, false
}

// metadataToObject exposes a copy of md to JavaScript as a plain object in
// parameter order. Writes from the operator never reach md.
func metadataToObject(vm *goja.Runtime, md operator.Metadata) (*goja.Object, error) {
	obj := vm.NewObject()
	for _, p := range md.Clone().Parameters() {
		if err := obj.Set(p.Key, vm.ToValue(p.Value)); err != nil {
			return nil, fmt.Errorf("failed to set metadata %q: %w", p.Key, err)
		}
	}
	return obj, nil
}

// exportMetadata converts the optional metadata argument of send_output.
// undefined and null mean empty metadata; anything else must be a plain object.
func exportMetadata(v goja.Value) (operator.Metadata, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return operator.Metadata{}, nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return operator.Metadata{}, derrors.Protocol("invalid send_output metadata",
			fmt.Errorf("%w: expected an object, got %s", derrors.ErrInvalidMetadata, describe(v)))
	}
	values, ok := obj.Export().(map[string]interface{})
	if !ok {
		return operator.Metadata{}, derrors.Protocol("invalid send_output metadata",
			fmt.Errorf("%w: expected a plain object, got %s", derrors.ErrInvalidMetadata, obj.ClassName()))
	}

	md, err := operator.ParseMetadata(obj.Keys(), values)
	if err != nil {
		return operator.Metadata{}, derrors.Protocol("invalid send_output metadata",
			fmt.Errorf("%w: %w", derrors.ErrInvalidMetadata, err))
	}
	return md, nil
}

// extractStatus reads the integer status returned by on_input. Plain numbers and
// enum-like objects with a numeric value property are accepted.
func extractStatus(v goja.Value) (int64, error) {
	if obj, ok := v.(*goja.Object); ok {
		inner := obj.Get("value")
		if inner == nil {
			return 0, invalidReturn(v)
		}
		v = inner
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0, invalidReturn(v)
	}

	switch n := v.Export().(type) {
	case int64:
		return n, nil
	case float64:
		if math.IsInf(n, 0) || math.IsNaN(n) || n != math.Trunc(n) {
			break
		}
		if n < -(1<<63) || n >= 1<<63 {
			return 0, derrors.Protocol("invalid on_input return",
				fmt.Errorf("%w `%s`", derrors.ErrInvalidStatus, strconv.FormatFloat(n, 'g', -1, 64)))
		}
		return int64(n), nil
	}
	return 0, invalidReturn(v)
}

func invalidReturn(v goja.Value) error {
	return derrors.Protocol("invalid on_input return",
		fmt.Errorf("%w: got %s", derrors.ErrInvalidReturnValue, describe(v)))
}

func describe(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	default:
		return fmt.Sprintf("%s %q", v.ExportType(), v.String())
	}
}
