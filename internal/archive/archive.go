package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/task"
)

type Layout string

const (
	LayoutFlat     Layout = "flat"
	LayoutByFile   Layout = "by_file"
	LayoutByFormat Layout = "by_format"
)

const maxFolderLen = 64

// entryTime is stamped on every entry so identical inputs give identical bytes.
var entryTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ParseLayout maps a client value to a layout; unknown values mean flat.
func ParseLayout(raw string) Layout {
	switch l := Layout(strings.ToLower(strings.TrimSpace(raw))); l {
	case LayoutByFile, LayoutByFormat:
		return l
	default:
		return LayoutFlat
	}
}

// Entry maps one stored artifact to its name inside the archive.
type Entry struct {
	Name   string
	Key    string
	TaskID string
	Format string
}

// Result describes the outcome of writing a single entry into the zip.
type Result struct {
	Filename string
	Err      string
}

// Archive is an assembled zip.
type Archive struct {
	Key     string
	Size    int64
	Results []Result
}

// Store is the artifact storage the assembler reads from and writes to.
type Store interface {
	Open(key string) (io.ReadCloser, error)
	Put(key string, r io.Reader) (int64, error)
	Delete(key string) error
}

// Assembler builds zips of task outputs.
type Assembler struct {
	store Store
}

func NewAssembler(store Store) *Assembler { return &Assembler{store: store} }

// Plan lays out the outputs of tasks, in task order, under the layout. Tasks
// without outputs are skipped. The result depends only on its inputs.
func Plan(tasks []task.Task, layout Layout) []Entry {
	var entries []Entry
	switch layout {
	case LayoutByFile:
		folders := newNamer()
		for _, t := range tasks {
			if len(t.OutputPaths) == 0 {
				continue
			}
			folder := folders.claim(folderName(t.Filename), shortID(t.ID))
			names := newNamer()
			for _, o := range t.Outputs() {
				name := names.claim(path.Base(o.Path), shortID(t.ID))
				entries = append(entries, Entry{Name: folder + "/" + name, Key: o.Path, TaskID: t.ID, Format: o.Format})
			}
		}
	case LayoutByFormat:
		groups := make(map[string][]Entry)
		for _, t := range tasks {
			for _, o := range t.Outputs() {
				groups[o.Format] = append(groups[o.Format], Entry{Name: path.Base(o.Path), Key: o.Path, TaskID: t.ID, Format: o.Format})
			}
		}
		formats := make([]string, 0, len(groups))
		for f := range groups {
			formats = append(formats, f)
		}
		sort.Strings(formats)
		for _, f := range formats {
			names := newNamer()
			for _, e := range groups[f] {
				e.Name = folderName(f) + "/" + names.claim(e.Name, shortID(e.TaskID))
				entries = append(entries, e)
			}
		}
	default:
		names := newNamer()
		for _, t := range tasks {
			for _, o := range t.Outputs() {
				entries = append(entries, Entry{Name: names.claim(path.Base(o.Path), shortID(t.ID)), Key: o.Path, TaskID: t.ID, Format: o.Format})
			}
		}
	}
	return entries
}

// Build writes the zip of tasks' outputs to destKey atomically. Artifacts that
// cannot be read are skipped and reported in Results.
func (a *Assembler) Build(ctx context.Context, destKey string, tasks []task.Task, layout Layout) (Archive, error) {
	entries := Plan(tasks, layout)
	if len(entries) == 0 {
		return Archive{}, fmt.Errorf("%w: no outputs to archive", errs.ErrNotFound)
	}

	pr, pw := io.Pipe()
	type outcome struct {
		results []Result
		written int
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, written, err := a.write(ctx, pw, entries)
		_ = pw.CloseWithError(err)
		done <- outcome{results: results, written: written, err: err}
	}()

	size, putErr := a.store.Put(destKey, pr)
	_ = pr.Close()
	out := <-done
	if out.err != nil && ctx.Err() != nil {
		return Archive{}, out.err
	}
	if putErr != nil {
		return Archive{}, putErr //nolint:wrapcheck
	}
	if out.err != nil {
		return Archive{}, out.err
	}
	if out.written == 0 {
		_ = a.store.Delete(destKey)
		return Archive{}, fmt.Errorf("%w: no readable outputs to archive", errs.ErrNotFound)
	}
	log.Debug().Str("key", destKey).Str("layout", string(layout)).Int("entries", out.written).Int64("bytes", size).Msg("archive assembled")
	return Archive{Key: destKey, Size: size, Results: out.results}, nil
}

func (a *Assembler) write(ctx context.Context, w io.Writer, entries []Entry) ([]Result, int, error) {
	zipWriter := zip.NewWriter(w)
	results := make([]Result, len(entries))
	written := 0
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return results, written, err //nolint:wrapcheck
		}
		results[i] = Result{Filename: e.Name}
		if err := a.writeEntry(zipWriter, e); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				results[i].Err = err.Error()
				log.Warn().Str("task_id", e.TaskID).Str("key", e.Key).Err(err).Msg("skip missing artifact")
				continue
			}
			return results, written, err
		}
		written++
	}
	if err := zipWriter.Close(); err != nil {
		return results, written, fmt.Errorf("%w: close zip writer: %v", errs.ErrStorageFailure, err)
	}
	return results, written, nil
}

func (a *Assembler) writeEntry(zipWriter *zip.Writer, e Entry) error {
	src, err := a.store.Open(e.Key)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer func() { _ = src.Close() }()

	dst, err := zipWriter.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Deflate, Modified: entryTime})
	if err != nil {
		return fmt.Errorf("%w: zip entry %s: %v", errs.ErrStorageFailure, e.Name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: copy %s into zip: %v", errs.ErrStorageFailure, e.Key, err)
	}
	return nil
}

// namer hands out unique names: the base name, then the name suffixed with the
// owning task's short ID, then that plus a counter.
type namer map[string]struct{}

func newNamer() namer { return namer{} }

func (n namer) claim(name, owner string) string {
	if _, taken := n[name]; !taken {
		n[name] = struct{}{}
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := fmt.Sprintf("%s_%s%s", stem, owner, ext)
	for i := 2; ; i++ {
		if _, taken := n[candidate]; !taken {
			n[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s_%s_%d%s", stem, owner, i, ext)
	}
}

// folderName keeps letters, digits, dot, dash, underscore and space.
func folderName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("._- ", r) {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	s = strings.Trim(s, ".")
	if s == "" {
		s = "file"
	}
	if r := []rune(s); len(r) > maxFolderLen {
		s = string(r[:maxFolderLen])
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
