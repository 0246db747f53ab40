// Package state implements the document model shared by relay and client:
// tree-shaped JSON values merged with a nil delete sentinel.
package state

// Doc is a synchronized document: string keys mapping to scalars, nested
// Docs, or opaque arrays. Arrays are never traversed, only replaced.
type Doc = map[string]any

// Merge folds source into target and returns the result without mutating
// either input. For each key in source:
//
//   - nil removes the key (and its whole subtree) from the result;
//   - two Docs at the same key merge recursively;
//   - anything else replaces the old value verbatim.
//
// Untouched sibling branches are shared with target, so callers must treat
// returned Docs as immutable. Merge is deterministic but not commutative;
// the relay's per-room serialization supplies the one true order.
func Merge(target, source Doc) Doc {
	out := make(Doc, len(target)+len(source))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range source {
		if v == nil {
			delete(out, k)
			continue
		}
		newDoc, newOk := v.(Doc)
		oldDoc, oldOk := out[k].(Doc)
		if newOk && oldOk {
			out[k] = Merge(oldDoc, newDoc)
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of d down to Doc boundaries. Scalars and arrays
// are shared; they are opaque and never mutated by this package.
func Clone(d Doc) Doc {
	if d == nil {
		return Doc{}
	}
	out := make(Doc, len(d))
	for k, v := range d {
		if sub, ok := v.(Doc); ok {
			out[k] = Clone(sub)
			continue
		}
		out[k] = v
	}
	return out
}
