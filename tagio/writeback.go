package tagio

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/mashlab/mash"
)

// tagFileMode is applied to every written tag file: user+group
// read/write.
const tagFileMode = 0o660

// WriteTags persists changed tags under the object root. A value that
// is entirely whitespace deletes the tag file; anything else is
// written atomically via a temp file and rename. Missing namespace
// directories are created.
func WriteTags(root string, tags mash.TagMap) error {
	for name, value := range tags {
		path := mash.TagFilePath(root, name)
		if strings.TrimSpace(value) == "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "deleting tag %s", name)
			}
			continue
		}
		if err := writeFileAtomic(path, []byte(value+"\n")); err != nil {
			return errors.Wrapf(err, "writing tag %s", name)
		}
	}
	return nil
}

// WriteErrors serializes the error entries into the #errors tag at the
// object root, one entry per line. An empty list removes the file.
func WriteErrors(root string, entries []string) error {
	path := filepath.Join(root, "#errors")
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "deleting #errors")
		}
		return nil
	}
	if err := writeFileAtomic(path, []byte(strings.Join(entries, "\n")+"\n")); err != nil {
		return errors.Wrap(err, "writing #errors")
	}
	return nil
}

// WriteReport writes the rendered evaluation report to mash.log at the
// object root.
func WriteReport(root, report string) error {
	if err := writeFileAtomic(filepath.Join(root, "mash.log"), []byte(report)); err != nil {
		return errors.Wrap(err, "writing mash.log")
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mash-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(tagFileMode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
