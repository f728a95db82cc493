// Package ingest persists uploaded drawings into a fresh task directory and
// turns PDF pages into page images for the extraction stage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/drawparse/drawparse/internal/config"
	"github.com/drawparse/drawparse/internal/taskdir"
)

// ErrNoFiles is returned when an upload carries no files.
var ErrNoFiles = errors.New("no files uploaded")

// rasterExts are image types registered as page images without conversion.
var rasterExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".bmp": true, ".gif": true, ".webp": true,
}

// File is one uploaded file, already read into memory.
type File struct {
	Name string
	Data []byte
}

// Materializer stages uploads and rasterizes PDFs with pdftoppm.
type Materializer struct {
	store  *taskdir.Store
	runner Runner
	cfg    config.RasterConfig
	logger *slog.Logger

	// pageCount probes how many pages a PDF has; overridable in tests.
	pageCount func(path string) (int, error)
}

// NewMaterializer creates a Materializer. A nil runner uses os/exec.
func NewMaterializer(store *taskdir.Store, runner Runner, cfg config.RasterConfig) *Materializer {
	if runner == nil {
		runner = execRunner{}
	}
	if cfg.Tool == "" {
		cfg.Tool = "pdftoppm"
	}
	return &Materializer{
		store:     store,
		runner:    runner,
		cfg:       cfg,
		logger:    slog.Default(),
		pageCount: pdfPageCount,
	}
}

// Upload creates a new task, persists every file under its original name and
// returns the task id plus the registered page image names in order. PDFs
// contribute one rasterized page image per page; raster images register
// themselves; anything else is stored but not registered.
func (m *Materializer) Upload(ctx context.Context, files []File) (string, []string, error) {
	if len(files) == 0 {
		return "", nil, ErrNoFiles
	}

	taskID, err := m.store.Create()
	if err != nil {
		return "", nil, err
	}

	var images []string
	for _, f := range files {
		name, err := taskdir.CleanFilename(f.Name)
		if err != nil {
			m.logger.Warn("skipping upload with unsafe name", "name", f.Name)
			continue
		}
		if err := m.store.WriteFile(taskID, name, f.Data); err != nil {
			return "", nil, err
		}

		ext := strings.ToLower(filepath.Ext(name))
		switch {
		case ext == ".pdf":
			pages, err := m.Rasterize(ctx, taskID, name)
			if err != nil {
				return "", nil, fmt.Errorf("rasterizing %s: %w", name, err)
			}
			images = append(images, pages...)
		case rasterExts[ext]:
			images = append(images, name)
		default:
			m.logger.Debug("ignoring unsupported upload", "name", name)
		}
	}

	if err := m.store.Touch(taskID); err != nil {
		return "", nil, err
	}
	return taskID, images, nil
}

// Rasterize renders every page of a stored PDF to a JPEG named page.N.jpg
// (1-based, page order) and returns the names. The page-count probe failing
// means the PDF is malformed; no page is registered in that case.
func (m *Materializer) Rasterize(ctx context.Context, taskID, pdfName string) ([]string, error) {
	pdfPath, err := m.store.Path(taskID, pdfName)
	if err != nil {
		return nil, err
	}

	count, err := m.pageCount(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("probing page count: %w", err)
	}

	dir := filepath.Dir(pdfPath)
	names := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		name := "page." + strconv.Itoa(i) + ".jpg"
		prefix := filepath.Join(dir, strings.TrimSuffix(name, ".jpg"))
		args := []string{
			"-f", strconv.Itoa(i), "-l", strconv.Itoa(i),
			"-singlefile", "-jpeg",
			"-r", strconv.Itoa(m.cfg.DPI),
		}
		if m.cfg.Width > 0 {
			args = append(args, "-scale-to-x", strconv.Itoa(m.cfg.Width))
		}
		if m.cfg.Height > 0 {
			args = append(args, "-scale-to-y", strconv.Itoa(m.cfg.Height))
		}
		args = append(args, pdfPath, prefix)

		if _, stderr, err := m.runner.Run(ctx, m.cfg.Tool, args...); err != nil {
			return nil, fmt.Errorf("rendering page %d: %w (%s)", i, err, truncate(string(stderr), 512))
		}
		if _, err := os.Stat(prefix + ".jpg"); err != nil {
			return nil, fmt.Errorf("rasterizer produced no image for page %d", i)
		}
		names = append(names, name)
	}

	m.logger.Info("rasterized pdf", "task_id", taskID, "pdf", pdfName, "pages", count)
	return names, nil
}

func pdfPageCount(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}
