package invokez

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// AttributeCountLimit caps the number of attributes recorded on a single span.
const AttributeCountLimit = 128

// ErrUnsupportedAttribute is returned for values that cannot be represented
// as a scalar or a homogeneous scalar array.
var ErrUnsupportedAttribute = errors.New("unsupported attribute value")

// FlattenAttribute converts an arbitrary value into attributes.
// Maps with string keys are flattened into dot-separated keys
// ("http" + {"method": "GET"} becomes "http.method"). Slices must hold
// a single scalar kind. Anything else is reported in the returned error
// while the convertible parts are still returned.
func FlattenAttribute(key string, value any) ([]attribute.KeyValue, error) {
	var (
		out  []attribute.KeyValue
		errs []error
	)
	flattenInto(&out, &errs, key, reflect.ValueOf(value), value)
	return out, errors.Join(errs...)
}

func flattenInto(out *[]attribute.KeyValue, errs *[]error, key string, rv reflect.Value, raw any) {
	if key == "" {
		*errs = append(*errs, fmt.Errorf("%w: empty key", ErrUnsupportedAttribute))
		return
	}

	switch v := raw.(type) {
	case nil:
		*errs = append(*errs, fmt.Errorf("%w: %s is nil", ErrUnsupportedAttribute, key))
		return
	case attribute.Value:
		if v.Type() == attribute.INVALID {
			*errs = append(*errs, fmt.Errorf("%w: %s is invalid", ErrUnsupportedAttribute, key))
			return
		}
		*out = append(*out, attribute.KeyValue{Key: attribute.Key(key), Value: v})
		return
	case time.Time:
		*out = append(*out, attribute.String(key, v.Format(time.RFC3339Nano)))
		return
	case time.Duration:
		*out = append(*out, attribute.Int64(key, int64(v)))
		return
	case error:
		*out = append(*out, attribute.String(key, v.Error()))
		return
	case fmt.Stringer:
		if rv.Kind() == reflect.Struct || rv.Kind() == reflect.Pointer {
			*out = append(*out, attribute.String(key, v.String()))
			return
		}
	}

	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			*errs = append(*errs, fmt.Errorf("%w: %s is nil", ErrUnsupportedAttribute, key))
			return
		}
		rv = rv.Elem()
	}

	if kv, ok := scalar(key, rv); ok {
		*out = append(*out, kv)
		return
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			*errs = append(*errs, fmt.Errorf("%w: %s has non-string map keys", ErrUnsupportedAttribute, key))
			return
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		for _, k := range keys {
			elem := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
			var elemRaw any
			if elem.CanInterface() {
				elemRaw = elem.Interface()
			}
			flattenInto(out, errs, key+"."+k, elem, elemRaw)
		}
	case reflect.Slice, reflect.Array:
		kv, err := homogeneousSlice(key, rv)
		if err != nil {
			*errs = append(*errs, err)
			return
		}
		*out = append(*out, kv)
	default:
		*errs = append(*errs, fmt.Errorf("%w: %s has type %s", ErrUnsupportedAttribute, key, rv.Type()))
	}
}

func scalar(key string, rv reflect.Value) (attribute.KeyValue, bool) {
	switch rv.Kind() {
	case reflect.Bool:
		return attribute.Bool(key, rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return attribute.Int64(key, rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return attribute.String(key, fmt.Sprintf("%d", u)), true
		}
		return attribute.Int64(key, int64(u)), true
	case reflect.Float32, reflect.Float64:
		return attribute.Float64(key, rv.Float()), true
	case reflect.String:
		return attribute.String(key, rv.String()), true
	}
	return attribute.KeyValue{}, false
}

func homogeneousSlice(key string, rv reflect.Value) (attribute.KeyValue, error) {
	n := rv.Len()
	if n == 0 {
		return attribute.StringSlice(key, []string{}), nil
	}

	var kind attribute.Type
	values := make([]attribute.Value, 0, n)
	for i := 0; i < n; i++ {
		elem := rv.Index(i)
		for elem.Kind() == reflect.Interface || elem.Kind() == reflect.Pointer {
			if elem.IsNil() {
				return attribute.KeyValue{}, fmt.Errorf("%w: %s[%d] is nil", ErrUnsupportedAttribute, key, i)
			}
			elem = elem.Elem()
		}
		kv, ok := scalar(key, elem)
		if !ok {
			return attribute.KeyValue{}, fmt.Errorf("%w: %s[%d] is not a scalar", ErrUnsupportedAttribute, key, i)
		}
		if i == 0 {
			kind = kv.Value.Type()
		} else if kv.Value.Type() != kind {
			return attribute.KeyValue{}, fmt.Errorf("%w: %s mixes %s and %s", ErrUnsupportedAttribute, key, kind, kv.Value.Type())
		}
		values = append(values, kv.Value)
	}

	switch kind {
	case attribute.BOOL:
		s := make([]bool, n)
		for i, v := range values {
			s[i] = v.AsBool()
		}
		return attribute.BoolSlice(key, s), nil
	case attribute.INT64:
		s := make([]int64, n)
		for i, v := range values {
			s[i] = v.AsInt64()
		}
		return attribute.Int64Slice(key, s), nil
	case attribute.FLOAT64:
		s := make([]float64, n)
		for i, v := range values {
			s[i] = v.AsFloat64()
		}
		return attribute.Float64Slice(key, s), nil
	default:
		s := make([]string, n)
		for i, v := range values {
			s[i] = v.AsString()
		}
		return attribute.StringSlice(key, s), nil
	}
}

// attributeSet is an ordered, last-write-wins attribute list with a cap.
type attributeSet struct {
	kvs     []attribute.KeyValue
	index   map[attribute.Key]int
	dropped int
}

func (s *attributeSet) set(kv attribute.KeyValue) bool {
	if !kv.Valid() {
		s.dropped++
		return false
	}
	if s.index == nil {
		s.index = make(map[attribute.Key]int)
	}
	if i, ok := s.index[kv.Key]; ok {
		s.kvs[i] = kv
		return true
	}
	if len(s.kvs) >= AttributeCountLimit {
		s.dropped++
		return false
	}
	s.index[kv.Key] = len(s.kvs)
	s.kvs = append(s.kvs, kv)
	return true
}

func (s *attributeSet) list() []attribute.KeyValue {
	if len(s.kvs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, len(s.kvs))
	copy(out, s.kvs)
	return out
}
