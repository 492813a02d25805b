package mash

import (
	"maps"
	"path/filepath"
	"sort"
	"strings"
)

// TagMap is an object's tags: dotted tag name to value. The absent tag
// is distinct from the empty-string tag.
type TagMap map[string]string

// Clone returns an independent copy.
func (t TagMap) Clone() TagMap {
	return maps.Clone(t)
}

// Names returns the tag names in sorted order.
func (t TagMap) Names() []string {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Object is a directory whose #-prefixed files encode its tags.
type Object struct {
	Path string
	Tags TagMap
}

// TagFilePath maps a dotted tag name to its file under the object
// root: all but the last segment are nested directories, the last is
// the file "#<leaf>". For example root/foo/bar/#baz for "foo.bar.baz".
func TagFilePath(root, name string) string {
	segs := strings.Split(name, ".")
	leaf := segs[len(segs)-1]
	parts := append([]string{root}, segs[:len(segs)-1]...)
	parts = append(parts, "#"+leaf)
	return filepath.Join(parts...)
}
