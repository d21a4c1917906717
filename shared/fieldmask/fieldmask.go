// Package fieldmask implements the dot-separated path projection and patch
// engine shared by the State Manager, the Access Control Filter, and
// CompleteState responses (spec §4.7).
//
// A field mask cannot distinguish a map key from an object field name at the
// syntactic level, so paths are resolved against a generic tree rather than
// against Go struct reflection directly: any value is round-tripped through
// YAML into a map[string]any/[]any tree (mirroring the "unstructured" pattern
// used throughout the Kubernetes-adjacent ecosystem this ships alongside),
// masks are applied to that tree, and the result is decoded back into the
// caller's concrete type.
package fieldmask

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ankaios-go/ankaios/shared/model"
)

// toGeneric marshals v to YAML and back into a generic map so paths can be
// walked uniformly regardless of the underlying Go type.
func toGeneric(v any) (map[string]any, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fieldmask: marshal: %w", err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("fieldmask: unmarshal to generic: %w", err)
	}
	if generic == nil {
		generic = map[string]any{}
	}
	return generic, nil
}

// fromGeneric decodes a generic tree back into out (a pointer to a concrete
// type such as *model.CompleteState or *model.State).
func fromGeneric(generic map[string]any, out any) error {
	data, err := yaml.Marshal(generic)
	if err != nil {
		return fmt.Errorf("fieldmask: marshal generic: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("fieldmask: unmarshal to concrete type: %w", err)
	}
	return nil
}

// splitPath splits a dot-separated mask into its segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// getPath returns the value found by walking segments from root, and whether
// the full path resolved. A path through a non-map intermediate, or past a
// missing key, resolves to (nil, false) — the spec treats this as "may refer
// to a currently-absent map entry", not an error.
func getPath(root map[string]any, segments []string) (any, bool) {
	var cur any = root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// setPath writes value at the path described by segments, creating any
// missing intermediate map objects along the way (spec: "Paths addressing a
// missing intermediate object create it").
func setPath(root map[string]any, segments []string, value any) {
	if len(segments) == 0 {
		return
	}
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segments[len(segments)-1]] = value
}

// deletePath removes the map entry addressed by segments, if present. No-op
// if any intermediate segment is missing or not a map.
func deletePath(root map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segments[len(segments)-1])
}

// Project returns the subset of state reachable by the union of masks,
// decoded into a value of the same concrete type as state. An empty mask
// set returns the entire object, unchanged. Unknown paths (referring to
// absent map entries) are silently skipped.
func Project[T any](state T, masks []string) (T, error) {
	var zero T
	generic, err := toGeneric(state)
	if err != nil {
		return zero, err
	}

	if len(masks) == 0 {
		return state, nil
	}

	result := map[string]any{}
	for _, mask := range masks {
		segments := splitPath(mask)
		if len(segments) == 0 {
			continue
		}
		if v, ok := getPath(generic, segments); ok {
			setPath(result, segments, v)
		}
	}

	var out T
	if err := fromGeneric(result, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// Apply replaces, for each path in masks, the subtree of target at that path
// with the subtree at the same path in source (spec §4.3): a path addressing
// a map entry absent from source deletes that entry in target; a path
// addressing a missing intermediate object creates it. An empty mask set
// replaces target wholesale with source.
func Apply[T any](target, source T, masks []string) (T, error) {
	var zero T
	if len(masks) == 0 {
		return source, nil
	}

	targetGeneric, err := toGeneric(target)
	if err != nil {
		return zero, err
	}
	sourceGeneric, err := toGeneric(source)
	if err != nil {
		return zero, err
	}

	for _, mask := range masks {
		segments := splitPath(mask)
		if len(segments) == 0 {
			continue
		}
		if v, ok := getPath(sourceGeneric, segments); ok {
			setPath(targetGeneric, segments, v)
		} else {
			deletePath(targetGeneric, segments)
		}
	}

	var out T
	if err := fromGeneric(targetGeneric, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// ValueAt resolves the value found at path within state, stringified for
// comparison against an AccessRule's Value list (spec §4.4). It reports
// false if path does not resolve against state — e.g. a REMOVE operation's
// path looked up in the state where the entry is still absent.
func ValueAt[T any](state T, path string) (string, bool) {
	generic, err := toGeneric(state)
	if err != nil {
		return "", false
	}
	v, ok := getPath(generic, splitPath(path))
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// Classify infers the patch operation represented by replacing the value at
// path in oldState with the value at path in newState (spec §4.4): absent in
// old ⇒ ADD; absent in new ⇒ REMOVE; otherwise REPLACE.
func Classify[T any](oldState, newState T, path string) (model.AccessOperation, error) {
	oldGeneric, err := toGeneric(oldState)
	if err != nil {
		return model.OpUnspecified, err
	}
	newGeneric, err := toGeneric(newState)
	if err != nil {
		return model.OpUnspecified, err
	}

	segments := splitPath(path)
	_, inOld := getPath(oldGeneric, segments)
	_, inNew := getPath(newGeneric, segments)

	switch {
	case !inOld && inNew:
		return model.OpAdd, nil
	case inOld && !inNew:
		return model.OpRemove, nil
	default:
		return model.OpReplace, nil
	}
}
