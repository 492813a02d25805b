// Package tagio moves tags between the filesystem and memory: an
// iterative scanner that discovers #-files under an object root, a
// reader that loads tag values with a bounded number of open files,
// and the writeback that persists changed tags.
package tagio

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/mashlab/mash"
)

// TagFile locates one tag on disk.
type TagFile struct {
	// Object root path.
	Object string

	// Dotted tag name.
	Name string

	// Absolute path of the #-file.
	Path string
}

// ScanObject enumerates every tag file under the object root. Regular
// files whose basename starts with '#' yield tags; subdirectories
// descend into dotted namespaces; symbolic links to files and
// directories are both ignored. A root that is not a directory is
// mash.ErrObjectNotFound.
func ScanObject(root string) ([]TagFile, error) {
	st, err := os.Lstat(root)
	if err != nil || !st.IsDir() {
		return nil, errors.Wrap(mash.ErrObjectNotFound, root)
	}

	type node struct {
		dir    string
		prefix string
	}
	stack := []node{{dir: root}}
	var out []TagFile

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(n.dir)
		if err != nil {
			// The root was readable; a vanished or unreadable subtree
			// just contributes no tags.
			continue
		}
		for _, e := range entries {
			if e.Type()&fs.ModeSymlink != 0 {
				continue
			}
			name := e.Name()
			switch {
			case e.IsDir():
				stack = append(stack, node{
					dir:    filepath.Join(n.dir, name),
					prefix: n.prefix + name + ".",
				})
			case e.Type().IsRegular() && strings.HasPrefix(name, "#") && len(name) > 1:
				out = append(out, TagFile{
					Object: root,
					Name:   n.prefix + name[1:],
					Path:   filepath.Join(n.dir, name),
				})
			}
		}
	}
	return out, nil
}
