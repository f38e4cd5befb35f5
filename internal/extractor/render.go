package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// ErrRendererUnavailable is returned when the pdftoppm binary cannot be found.
var ErrRendererUnavailable = errors.New("extractor: page renderer unavailable")

const (
	defaultDPI           = 100
	defaultRenderTimeout = 60 * time.Second
)

// Renderer rasterizes PDF pages to PNG using poppler's pdftoppm.
type Renderer struct {
	binary  string
	dpi     int
	timeout time.Duration

	lookPath func(string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
}

type RendererOption func(*Renderer)

func WithBinary(path string) RendererOption {
	return func(r *Renderer) {
		if path != "" {
			r.binary = path
		}
	}
}

func WithDPI(dpi int) RendererOption {
	return func(r *Renderer) {
		if dpi > 0 {
			r.dpi = dpi
		}
	}
}

func WithRenderTimeout(d time.Duration) RendererOption {
	return func(r *Renderer) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRenderer(opts ...RendererOption) *Renderer {
	r := &Renderer{
		binary:   "pdftoppm",
		dpi:      defaultDPI,
		timeout:  defaultRenderTimeout,
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RenderPages returns PNG bytes for the first maxPages pages, in page order.
func (r *Renderer) RenderPages(ctx context.Context, data []byte, maxPages int) ([][]byte, error) {
	if !IsPDF(data) {
		return nil, ErrNotPDF
	}
	bin, err := r.lookPath(r.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}

	dir, err := os.MkdirTemp("", "pdf-render-*")
	if err != nil {
		return nil, fmt.Errorf("extractor: temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("extractor: write pdf: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{"-r", strconv.Itoa(r.dpi), "-png", "-f", "1"}
	if maxPages > 0 {
		args = append(args, "-l", strconv.Itoa(maxPages))
	}
	args = append(args, in, filepath.Join(dir, "page"))

	out, err := r.command(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("extractor: pdftoppm failed: %w; out=%s", err, string(out))
	}

	// pdftoppm zero-pads page numbers to a common width, so lexical order is page order.
	paths, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("extractor: list pages: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("extractor: no images produced by pdftoppm; out=%s", string(out))
	}
	sort.Strings(paths)

	pages := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("extractor: read page: %w", err)
		}
		pages = append(pages, b)
	}
	return pages, nil
}
