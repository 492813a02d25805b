package batch

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// WriteCSV exports the spill file as CSV: one row per object, columns
// are path followed by the union of all tags sorted by name, including
// #errors. Commas and newlines inside values are replaced by ';' and
// space, so no quoting is needed.
func WriteCSV(csvPath, spillPath string) error {
	// First pass: collect the column set.
	cols := map[string]bool{}
	err := ReadSpill(spillPath, func(rec Record) error {
		for name := range rec.InitialTags {
			cols[name] = true
		}
		for name := range rec.ChangedTags {
			cols[name] = true
		}
		if len(rec.Errors) > 0 {
			cols["#errors"] = true
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "collecting csv columns")
	}

	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	f, err := os.Create(csvPath)
	if err != nil {
		return errors.Wrap(err, "creating csv")
	}
	w := bufio.NewWriter(f)

	row := make([]string, 0, len(names)+1)
	row = append(row, "path")
	row = append(row, names...)
	w.WriteString(strings.Join(row, ",") + "\n")

	err = ReadSpill(spillPath, func(rec Record) error {
		row = row[:0]
		row = append(row, sanitize(rec.ObjectPath))
		for _, name := range names {
			if name == "#errors" && len(rec.Errors) > 0 {
				msgs := make([]string, 0, len(rec.Errors))
				for _, e := range rec.Errors {
					msgs = append(msgs, e.String())
				}
				row = append(row, sanitize(strings.Join(msgs, " ")))
				continue
			}
			v, ok := rec.ChangedTags[name]
			if !ok {
				v, ok = rec.InitialTags[name]
			}
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, sanitize(v))
		}
		_, werr := w.WriteString(strings.Join(row, ",") + "\n")
		return werr
	})
	if err != nil {
		f.Close()
		return errors.Wrap(err, "writing csv rows")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sanitize(v string) string {
	v = strings.ReplaceAll(v, ",", ";")
	v = strings.ReplaceAll(v, "\r\n", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	return v
}
