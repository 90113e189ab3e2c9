package payload

import (
	"errors"
	"strings"
)

// SkipChildren may be returned by a WalkFunc visiting a container to skip it.
var SkipChildren = errors.New("skip children")

// WalkFunc is called for every node. path holds the object keys leading to
// the node; array elements share their parent's path.
type WalkFunc func(path []string, v Value) error

// Walk visits v and all nested values depth-first, objects in key order.
func (v Value) Walk(fn WalkFunc) error {
	return v.walk(nil, fn)
}

func (v Value) walk(path []string, fn WalkFunc) error {
	if err := fn(path, v); err != nil {
		if errors.Is(err, SkipChildren) {
			return nil
		}
		return err
	}
	switch v.kind {
	case Array:
		for _, item := range v.arr {
			if err := item.walk(path, fn); err != nil {
				return err
			}
		}
	case Object:
		for _, k := range v.Keys() {
			child := append(path[:len(path):len(path)], k)
			if err := v.obj[k].walk(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Leaves calls fn for every scalar value with its dotted path.
func (v Value) Leaves(fn func(path string, leaf Value)) {
	_ = v.Walk(func(path []string, n Value) error {
		if n.IsScalar() {
			fn(strings.Join(path, "."), n)
		}
		return nil
	})
}

// Without returns a copy of v with every object member whose key is in drop
// removed, at any depth.
func (v Value) Without(drop map[string]struct{}) Value {
	if len(drop) == 0 {
		return v
	}
	switch v.kind {
	case Array:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Without(drop)
		}
		return ArrayValue(items...)
	case Object:
		obj := make(map[string]Value, len(v.obj))
		for k, item := range v.obj {
			if _, skip := drop[k]; skip {
				continue
			}
			obj[k] = item.Without(drop)
		}
		return ObjectValue(obj)
	}
	return v
}

// Flatten maps every dotted leaf path to its scalar values. Arrays of
// scalars contribute several values under one path.
func (v Value) Flatten() map[string][]string {
	out := map[string][]string{}
	v.Leaves(func(path string, leaf Value) {
		out[path] = append(out[path], leaf.Text())
	})
	return out
}
