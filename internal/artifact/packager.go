// Package artifact packs the result files of a job into a zip archive.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/ofeklabautomations/scraperd/internal/model"
)

type Packager struct {
	jobsDir      string
	files        []string
	resultsDir   string
	prefix       string
	cleanupDelay time.Duration

	mx      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewPackager(jobsDir string, cfg model.Download) *Packager {
	return &Packager{
		jobsDir:      jobsDir,
		files:        append([]string(nil), cfg.Files...),
		resultsDir:   cfg.ResultsDir,
		prefix:       cfg.ArchivePrefix,
		cleanupDelay: cfg.CleanupDelay.D(),
		pending:      make(map[string]*time.Timer),
	}
}

// ArchiveName is the file name offered to the client.
func (p *Packager) ArchiveName(id string) string {
	return p.prefix + id + ".zip"
}

// Pack returns a zip archive with the known result files of the job id and
// schedules removal of its output directory. Missing files are skipped, so
// an empty directory yields a valid empty archive. Only regular files placed
// directly in the results directory are added: nested directories are
// dropped, not flattened. It returns model.ErrJobNotFound when there is no
// output directory and model.ErrPackaging when a file cannot be read, in
// which case the directory is kept.
func (p *Packager) Pack(ctx context.Context, id string) ([]byte, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", model.ErrJobNotFound, id)
	}
	dir := filepath.Join(p.jobsDir, id)
	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", model.ErrPackaging, dir, err)
	}
	defer func() {
		_ = root.Close()
	}()

	raw, count, err := p.archive(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrPackaging, err)
	}
	slog.InfoContext(ctx, "job archive created", "job_id", id, "files", count, "size", len(raw))

	p.scheduleRemoval(ctx, id, dir)
	return raw, nil
}

func (p *Packager) archive(root *os.Root) ([]byte, int, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	count := 0

	for _, name := range p.files {
		ok, err := addFile(zw, root, name, name)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			count++
		}
	}

	if p.resultsDir != "" {
		entries, err := fs.ReadDir(root.FS(), p.resultsDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("reading %s: %w", p.resultsDir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			name := path.Join(p.resultsDir, e.Name())
			ok, err := addFile(zw, root, name, name)
			if err != nil {
				return nil, 0, err
			}
			if ok {
				count++
			}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("closing archive: %w", err)
	}
	return buf.Bytes(), count, nil
}

// addFile copies the regular file name from root into the archive. A missing
// file is not an error.
func addFile(zw *zip.Writer, root *os.Root, name, entry string) (bool, error) {
	f, err := root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return false, err
	}
	hdr.Name = entry
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return false, fmt.Errorf("adding %s: %w", entry, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return false, fmt.Errorf("reading %s: %w", name, err)
	}
	return true, nil
}

func (p *Packager) scheduleRemoval(ctx context.Context, id, dir string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if _, ok := p.pending[id]; ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	p.pending[id] = time.AfterFunc(p.cleanupDelay, func() {
		defer p.wg.Done()
		p.remove(ctx, id, dir)
	})
}

func (p *Packager) remove(ctx context.Context, id, dir string) {
	p.mx.Lock()
	delete(p.pending, id)
	p.mx.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		slog.ErrorContext(ctx, "removing job output failed", "job_id", id, "path", dir, "error", err)
		return
	}
	slog.DebugContext(ctx, "job output removed", "job_id", id, "path", dir)
}

// Close runs every scheduled removal now and waits for all of them.
func (p *Packager) Close(ctx context.Context) {
	p.mx.Lock()
	var now []string
	for id, t := range p.pending {
		if t.Stop() {
			now = append(now, id)
		}
	}
	p.mx.Unlock()

	for _, id := range now {
		p.remove(ctx, id, filepath.Join(p.jobsDir, id))
		p.wg.Done()
	}
	p.wg.Wait()
}
