package dataset

// InferKind returns the storage kind of a column: the common kind of its
// non-null values, KindFloat for a mix of ints and floats, KindString for
// any other mix and for nested values, KindNull when every value is null.
func InferKind(values []Value) Kind {
	kind := KindNull
	for _, v := range values {
		k := v.Kind()
		if k == KindNull {
			continue
		}
		if k == KindList || k == KindMap {
			return KindString
		}
		switch {
		case kind == KindNull:
			kind = k
		case kind == k:
		case (kind == KindInt && k == KindFloat) || (kind == KindFloat && k == KindInt):
			kind = KindFloat
		default:
			return KindString
		}
	}
	return kind
}

// Schema returns the inferred kind of every column, in column order.
func (t *Table) Schema() []Kind {
	kinds := make([]Kind, len(t.columns))
	for i, c := range t.columns {
		kinds[i] = InferKind(c.Values)
	}
	return kinds
}
