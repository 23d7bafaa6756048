// ABOUTME: Flattens nested payloads into path/value elements for indexed lookup.
// ABOUTME: Object fields use dot paths, array items use bracket indexes.

package payload

import "strconv"

// RootPath is the element path under which the whole payload is stored.
const RootPath = "__root__"

// Element is one flattened node of a payload.
type Element struct {
	Path  string
	Value Value
}

// Flatten returns the root element followed by every node reachable from v.
// Composite nodes are emitted at their own path before their children; object
// keys are visited in sorted order so the output is deterministic.
func Flatten(v Value) []Element {
	elements := []Element{{Path: RootPath, Value: v}}
	return flattenInto(elements, v, "")
}

func flattenInto(elements []Element, v Value, parent string) []Element {
	switch val := v.(type) {
	case Object:
		if parent != "" {
			elements = append(elements, Element{Path: parent, Value: val})
		}
		for _, k := range val.SortedKeys() {
			path := k
			if parent != "" {
				path = parent + "." + k
			}
			elements = flattenInto(elements, val[k], path)
		}
	case Array:
		if parent != "" {
			elements = append(elements, Element{Path: parent, Value: val})
		}
		for i, elem := range val {
			elements = flattenInto(elements, elem, parent+"["+strconv.Itoa(i)+"]")
		}
	default:
		// A scalar root has no path of its own beyond __root__
		if parent != "" {
			elements = append(elements, Element{Path: parent, Value: val})
		}
	}
	return elements
}

// Paths returns just the element paths of Flatten(v).
func Paths(v Value) []string {
	elements := Flatten(v)
	paths := make([]string, len(elements))
	for i, e := range elements {
		paths[i] = e.Path
	}
	return paths
}
