package graph

import (
	"fmt"
	"maps"
	"reflect"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Values is a named mapping of step inputs or step outputs.
type Values map[string]any

// Clone returns a shallow copy. Cloning nil yields an empty, non-nil map.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	maps.Copy(out, v)
	return out
}

// Has reports whether key is present, even with a nil value.
func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// Keys returns the keys in sorted order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode copies v into the struct pointed to by out, matching keys against
// json tags and converting compatible scalar types.
//
// Example:
//
//	var in struct {
//		Article string   `json:"article"`
//		Facts   []string `json:"facts"`
//	}
//	if err := sc.Inputs.Decode(&in); err != nil {
//		return graph.StepResult{}, err
//	}
func (v Values) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(v)); err != nil {
		return fmt.Errorf("failed to decode values: %w", err)
	}
	return nil
}

// isSequence reports whether v is a slice or array the engine fans out
// over. Strings and byte slices are scalars.
func isSequence(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return true
	default:
		return false
	}
}

// sequenceItems returns the elements of a sequence value.
func sequenceItems(v any) []any {
	rv := reflect.ValueOf(v)
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items
}
