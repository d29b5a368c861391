package session

import (
	"fmt"
	"path/filepath"
)

// Attributes is the nested JSON-object tree attached to a session summary.
type Attributes map[string]any

// Clone deep-copies the tree. Leaf values are shared; only maps are copied,
// which is sufficient because merges never mutate leaves in place.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	child, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(child))
	for k, cv := range child {
		out[k] = cloneValue(cv)
	}
	return out
}

// StringAt walks the given path and returns the string leaf, or "".
func (a Attributes) StringAt(path ...string) string {
	var cur any = map[string]any(a)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			if ma, okAttr := cur.(Attributes); okAttr {
				m = ma
			} else {
				return ""
			}
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}

// Merge applies patch onto a copy of a and returns the result. For each key:
// a nil value deletes, object-onto-object recurses, anything else replaces.
// Keys absent from the patch are kept.
func (a Attributes) Merge(patch map[string]any) Attributes {
	merged := mergeMaps(map[string]any(a.Clone()), patch)
	if merged == nil {
		return Attributes{}
	}
	return merged
}

func mergeMaps(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		if value == nil {
			delete(dst, key)
			continue
		}
		patchChild, patchIsMap := asMap(value)
		dstChild, dstIsMap := asMap(dst[key])
		if patchIsMap && dstIsMap {
			dst[key] = mergeMaps(dstChild, patchChild)
			continue
		}
		if patchIsMap {
			dst[key] = mergeMaps(nil, patchChild)
			continue
		}
		dst[key] = value
	}
	return dst
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Attributes:
		return m, true
	default:
		return nil, false
	}
}

// ValidatePatch enforces reserved-key constraints before a patch is applied.
// core.workingDir, when present and non-nil, must be an absolute path.
func ValidatePatch(patch map[string]any) error {
	core, ok := asMap(patch[AttrCore])
	if !ok {
		return nil
	}
	wd, present := core[AttrWorkingDir]
	if !present || wd == nil {
		return nil
	}
	s, isString := wd.(string)
	if !isString {
		return fmt.Errorf("%w: core.workingDir must be a string", ErrInvalidAttributes)
	}
	if !filepath.IsAbs(s) {
		return fmt.Errorf("%w: core.workingDir must be an absolute path", ErrInvalidAttributes)
	}
	return nil
}
