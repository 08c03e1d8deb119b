package hierarchy

import (
	"reflect"
	"sort"
)

// Diff is the minimal description of a child relative to its parent:
// everything needed to rebuild the child when the parent's content is
// already known.
type Diff struct {
	Added    map[string]interface{}
	Modified map[string]interface{}
	Removed  []string
}

// Empty reports whether child and parent carry identical element sets.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Compare computes the child-specific difference between two element
// maps of the same kind (rules keyed by rule key, conditions keyed by
// metric). Modified entries carry the child's variant.
func Compare(child, parent map[string]interface{}) Diff {
	d := Diff{
		Added:    make(map[string]interface{}),
		Modified: make(map[string]interface{}),
	}

	for key, childValue := range child {
		parentValue, inParent := parent[key]
		if !inParent {
			d.Added[key] = childValue
			continue
		}
		if !reflect.DeepEqual(childValue, parentValue) {
			d.Modified[key] = childValue
		}
	}

	for key := range parent {
		if _, inChild := child[key]; !inChild {
			d.Removed = append(d.Removed, key)
		}
	}
	sort.Strings(d.Removed)

	return d
}

// Apply reconstructs the child's element map from the parent's plus the
// diff. Apply(parent, Compare(child, parent)) equals child.
func Apply(parent map[string]interface{}, d Diff) map[string]interface{} {
	result := make(map[string]interface{}, len(parent)+len(d.Added))
	for key, value := range parent {
		result[key] = value
	}
	for _, key := range d.Removed {
		delete(result, key)
	}
	for key, value := range d.Added {
		result[key] = value
	}
	for key, value := range d.Modified {
		result[key] = value
	}
	return result
}
