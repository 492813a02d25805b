package tagio

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mashlab/mash"
)

// DefaultChannels is the default bound on concurrently open tag files.
const DefaultChannels = 256

// Reader loads tag values with at most Limit files open at once. The
// dispatch loop refills when the outstanding count drops below the
// threshold (5/6 of the limit) or reaches zero, so a burst of EOFs
// doesn't cause one-at-a-time topping up.
type Reader struct {
	// Max concurrently open files. Defaults to DefaultChannels.
	Limit int

	Log *slog.Logger
}

// NewReader initializes a reader with the concurrency limit.
func NewReader(limit int) *Reader {
	if limit <= 0 {
		limit = DefaultChannels
	}
	return &Reader{Limit: limit, Log: slog.Default()}
}

func (r *Reader) threshold() int {
	t := r.Limit * 5 / 6
	if t < 1 {
		t = 1
	}
	return t
}

type readDone struct {
	file  TagFile
	value string
	ok    bool
}

// ReadAll reads every tag file and returns the tag maps keyed by
// object path. A file that cannot be opened or read leaves its tag
// absent; the reader surfaces no error for it. The working directory
// is never changed.
func (r *Reader) ReadAll(ctx context.Context, files []TagFile) (map[string]mash.TagMap, error) {
	tags := make(map[string]mash.TagMap)
	for _, f := range files {
		if _, ok := tags[f.Object]; !ok {
			tags[f.Object] = mash.TagMap{}
		}
	}

	done := make(chan readDone, r.Limit)
	var wg sync.WaitGroup
	outstanding := 0
	next := 0

	refill := func() {
		for outstanding < r.Limit && next < len(files) {
			f := files[next]
			next++
			outstanding++
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, ok := readTag(f.Path)
				done <- readDone{file: f, value: v, ok: ok}
			}()
		}
	}

	// A 1-second timer backstops the dispatch loop; completions are
	// the normal wake-up.
	backstop := time.NewTicker(time.Second)
	defer backstop.Stop()

	drain := func() {
		go func() {
			wg.Wait()
			close(done)
		}()
		for range done {
		}
	}

	for next < len(files) || outstanding > 0 {
		if err := ctx.Err(); err != nil {
			drain()
			return tags, err
		}
		if outstanding == 0 || outstanding < r.threshold() {
			refill()
		}
		select {
		case d := <-done:
			outstanding--
			if d.ok {
				tags[d.file.Object][d.file.Name] = d.value
			} else {
				r.Log.Debug("tag unreadable", "path", d.file.Path)
			}
		case <-backstop.C:
		case <-ctx.Done():
			drain()
			return tags, ctx.Err()
		}
	}
	wg.Wait()
	return tags, nil
}

// readTag streams the file and finalizes the value with the trailing
// newline removed. ok is false when the file cannot be opened or read.
func readTag(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var b strings.Builder
	br := bufio.NewReader(f)
	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		b.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false
		}
	}
	v := b.String()
	v = strings.TrimSuffix(v, "\n")
	v = strings.TrimSuffix(v, "\r")
	return v, true
}

// ReadObject scans and reads one object's tags.
func (r *Reader) ReadObject(ctx context.Context, root string) (*mash.Object, error) {
	files, err := ScanObject(root)
	if err != nil {
		return nil, err
	}
	all, err := r.ReadAll(ctx, files)
	if err != nil {
		return nil, err
	}
	tags := all[root]
	if tags == nil {
		tags = mash.TagMap{}
	}
	return &mash.Object{Path: root, Tags: tags}, nil
}
