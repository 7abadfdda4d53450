package graph

// MergeOutputs combines the output mappings of several results into the
// input mapping of the step that runs next.
//
// For every key present in any mapping, the values are collected in list
// order. A key that appears once keeps its scalar value; a key that
// appears several times maps to a []any of all its values. A single
// mapping therefore passes through unchanged.
//
// Example:
//
//	MergeOutputs([]Values{{"fact": "a"}, {"fact": "b"}, {"src": 1}})
//	// Values{"fact": []any{"a", "b"}, "src": 1}
func MergeOutputs(outputs []Values) Values {
	collected := make(map[string][]any)
	for _, out := range outputs {
		for k, v := range out {
			collected[k] = append(collected[k], v)
		}
	}

	merged := make(Values, len(collected))
	for k, vals := range collected {
		if len(vals) == 1 {
			merged[k] = vals[0]
			continue
		}
		merged[k] = vals
	}
	return merged
}
