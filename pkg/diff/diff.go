// Package diff computes a pure structural diff between two arbitrary
// JSON-like values (the decoded output of encoding/json: nil, bool,
// float64, string, []interface{}, map[string]interface{}).
//
// The payload shape is deliberately simple and stable rather than a
// minimal edit-script: callers on both sides of the wire need only agree
// on this package's encoding, never on a diff/patch algorithm.
package diff

import (
	"sort"
)

// OpKind is the kind of change a single Op describes.
type OpKind string

const (
	// OpSet assigns Value at Path, whether the path previously existed
	// (replace) or not (insert).
	OpSet OpKind = "set"
	// OpRemove deletes whatever was at Path.
	OpRemove OpKind = "remove"
)

// Op is one structural change. Path is a "/"-joined pointer from the
// diff root, e.g. "/stage" or "/items/0"; the root itself is "".
type Op struct {
	Kind  OpKind      `json:"kind"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// Payload is the deltaPayload published in a DiffMessage: an ordered,
// deterministic sequence of Ops transforming a into b.
type Payload struct {
	Ops []Op `json:"ops"`
}

// Diff computes the structural diff that transforms a into b.
func Diff(a, b interface{}) Payload {
	var ops []Op
	walk("", a, b, &ops)
	return Payload{Ops: ops}
}

func walk(path string, a, b interface{}, ops *[]Op) {
	am, aIsMap := a.(map[string]interface{})
	bm, bIsMap := b.(map[string]interface{})
	if aIsMap && bIsMap {
		walkObjects(path, am, bm, ops)
		return
	}

	aArr, aIsArr := a.([]interface{})
	bArr, bIsArr := b.([]interface{})
	if aIsArr && bIsArr {
		walkArrays(path, aArr, bArr, ops)
		return
	}

	if equalScalar(a, b) {
		return
	}
	*ops = append(*ops, Op{Kind: OpSet, Path: path, Value: b})
}

func walkObjects(path string, a, b map[string]interface{}, ops *[]Op) {
	keySet := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keySet[k] = struct{}{}
	}
	for k := range b {
		keySet[k] = struct{}{}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		childPath := path + "/" + k
		switch {
		case aok && !bok:
			*ops = append(*ops, Op{Kind: OpRemove, Path: childPath})
		case !aok && bok:
			*ops = append(*ops, Op{Kind: OpSet, Path: childPath, Value: bv})
		default:
			walk(childPath, av, bv, ops)
		}
	}
}

func walkArrays(path string, a, b []interface{}, ops *[]Op) {
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	for i := 0; i < min; i++ {
		walk(indexPath(path, i), a[i], b[i], ops)
	}
	for i := min; i < len(b); i++ {
		*ops = append(*ops, Op{Kind: OpSet, Path: indexPath(path, i), Value: b[i]})
	}
	for i := len(b); i < len(a); i++ {
		*ops = append(*ops, Op{Kind: OpRemove, Path: indexPath(path, i)})
	}
}

func indexPath(path string, i int) string {
	return path + "/" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := make([]byte, 0, 4)
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func equalScalar(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	return a == b
}
