// Package loader turns files and web pages into Documents.
package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
)

// Metadata keys set by the loaders.
const (
	MetaSource   = "source"
	MetaFileName = "file_name"
	MetaFileType = "file_type"
	MetaPage     = "page"
	MetaPages    = "page_total"
)

type format string

const (
	formatText format = "text"
	formatHTML format = "html"
	formatPDF  format = "pdf"
	formatDOCX format = "docx"
)

var extensions = map[string]format{
	".txt":      formatText,
	".md":       formatText,
	".markdown": formatText,
	".html":     formatHTML,
	".htm":      formatHTML,
	".pdf":      formatPDF,
	".docx":     formatDOCX,
}

// SupportedExtensions lists the file extensions FileLoader reads.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	slices.Sort(out)
	return out
}

type FileLoaderConfig struct {
	// Recursive descends into sub-directories when loading a directory.
	Recursive bool
	Logger    logger.Logger
}

// FileLoader reads plain text, markdown, HTML, PDF and DOCX files. A PDF
// yields one Document per non-empty page; every other format yields one.
type FileLoader struct {
	config FileLoaderConfig
	log    logger.Logger
	now    func() time.Time
}

func NewFileLoader(config FileLoaderConfig) *FileLoader {
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	return &FileLoader{config: config, log: config.Logger, now: time.Now}
}

// Load reads path, which may be a file or a directory. Inside a directory
// only files with a supported extension are read, and a file that fails to
// load is logged and skipped.
func (l *FileLoader) Load(ctx context.Context, path, domain string) ([]models.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInput, err)
	}
	if !info.IsDir() {
		return l.LoadFile(ctx, path, domain)
	}
	return l.loadDirectory(ctx, path, domain)
}

// LoadFile reads a single file. Files without a known extension are sniffed.
func (l *FileLoader) LoadFile(ctx context.Context, path, domain string) ([]models.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", types.ErrInput, path, err)
	}

	f, ok := extensions[strings.ToLower(filepath.Ext(abs))]
	if !ok {
		if f, err = sniff(abs); err != nil {
			return nil, err
		}
	}

	var pages []string
	switch f {
	case formatText:
		pages, err = readText(abs)
	case formatHTML:
		pages, err = readHTML(abs)
	case formatPDF:
		pages, err = readPDF(ctx, abs)
	case formatDOCX:
		pages, err = readDOCX(abs)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", abs, err)
	}

	docs := make([]models.Document, 0, len(pages))
	for i, text := range pages {
		if strings.TrimSpace(text) == "" {
			continue
		}
		md := models.NewMetadata()
		md.Set(MetaSource, abs)
		md.Set(MetaFileName, filepath.Base(abs))
		md.Set(MetaFileType, string(f))
		if f == formatPDF {
			md.Set(MetaPage, i+1)
			md.Set(MetaPages, len(pages))
		}
		docs = append(docs, models.Document{
			ID:        uuid.NewString(),
			Domain:    domain,
			Source:    abs,
			Text:      text,
			Metadata:  md,
			Timestamp: l.now().UTC(),
		})
	}

	l.log.Info("loaded file", "path", abs, "documents", len(docs))
	return docs, nil
}

func (l *FileLoader) loadDirectory(ctx context.Context, root, domain string) ([]models.Document, error) {
	var docs []models.Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.log.Warn("skipping path", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && !l.config.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := extensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		loaded, err := l.LoadFile(ctx, path, domain)
		if err != nil {
			l.log.Warn("skipping file", "path", path, "error", err)
			return nil
		}
		docs = append(docs, loaded...)
		return nil
	})
	if err != nil {
		return docs, err
	}

	l.log.Info("loaded directory", "path", root, "documents", len(docs))
	return docs, nil
}

func sniff(path string) (format, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: detect type of %s: %w", types.ErrInput, path, err)
	}
	switch {
	case mt.Is("application/pdf"):
		return formatPDF, nil
	case mt.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return formatDOCX, nil
	case mt.Is("text/html"):
		return formatHTML, nil
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return formatText, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported file type %s for %s", types.ErrInput, mt.String(), path)
}
