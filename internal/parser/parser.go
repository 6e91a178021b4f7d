package parser

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/xuri/excelize/v2"

	"ragchat/internal/models"
)

// ErrUnsupportedFormat is returned when no loader matches a file's extension.
// An unrecognized extension is a hard failure, not a silent skip.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// LoadError reports malformed or unreadable input.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("loading %s: %v", e.Path, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// Load converts a source file into normalized documents. Dispatch is by file
// extension against a static registry. A directory is walked and every
// contained file with a supported extension is loaded.
func Load(ctx context.Context, path string) ([]models.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if info.IsDir() {
		return loadDirectory(ctx, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	loader, ok := loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	docs, err := loader(ctx, path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return docs, nil
}

type loadFunc func(ctx context.Context, path string) ([]models.Document, error)

var loaders = map[string]loadFunc{
	".pdf":  parsePDF,
	".docx": parseDOCX,
	".pptx": parsePPTX,
	".xlsx": parseXLSX,
	".ods":  parseODS,
	".csv":  parseCSV,
	".txt":  parseText,
	".md":   parseMarkdown,
}

// loadDirectory walks a directory tree, loading every supported file. Files
// with unsupported extensions inside a directory are skipped rather than
// failing the walk; a directory is an explicit multi-file source.
func loadDirectory(ctx context.Context, root string) ([]models.Document, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := loaders[strings.ToLower(filepath.Ext(p))]; ok {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{Path: root, Err: err}
	}
	sort.Strings(paths)

	var docs []models.Document
	for _, p := range paths {
		loaded, err := Load(ctx, p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	return docs, nil
}

func parsePDF(_ context.Context, path string) ([]models.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	var docs []models.Document
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		docs = append(docs, newDocument(path, pageText, map[string]string{"page": strconv.Itoa(i)}))
	}
	return docs, nil
}

func parseDOCX(_ context.Context, path string) ([]models.Document, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	content := stripDocxTags(r.Editable().GetContent())
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []models.Document{newDocument(path, content, nil)}, nil
}

func parsePPTX(_ context.Context, path string) ([]models.Document, error) {
	f, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []models.Document
	slide := 0
	for _, file := range f.File {
		if !strings.HasPrefix(file.Name, "ppt/slides/slide") {
			continue
		}
		slide++
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		text := extractTextFromXML(string(data))
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, newDocument(path, text, map[string]string{"slide": strconv.Itoa(slide)}))
	}
	return docs, nil
}

func parseXLSX(_ context.Context, path string) ([]models.Document, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, err
	}

	var docs []models.Document
	for _, sheet := range f.Sheets {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteString("\n")
		}
		if strings.TrimSpace(text.String()) == "" {
			continue
		}
		docs = append(docs, newDocument(path, text.String(), map[string]string{"sheet": sheet.Name}))
	}
	return docs, nil
}

func parseODS(_ context.Context, path string) ([]models.Document, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []models.Document
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, err
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))
		for _, row := range rows {
			for _, cell := range row {
				text.WriteString(cell + "\t")
			}
			text.WriteString("\n")
		}
		if strings.TrimSpace(text.String()) == "" {
			continue
		}
		docs = append(docs, newDocument(path, text.String(), map[string]string{"sheet": sheetName}))
	}
	return docs, nil
}

func parseCSV(ctx context.Context, path string) ([]models.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := documentloaders.NewCSV(f).Load(ctx)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, row := range rows {
		text.WriteString(row.PageContent)
		text.WriteString("\n\n")
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, nil
	}
	return []models.Document{newDocument(path, text.String(), nil)}, nil
}

func parseText(_ context.Context, path string) ([]models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	return []models.Document{newDocument(path, string(data), nil)}, nil
}

func newDocument(path, content string, extra map[string]string) models.Document {
	sourceID := filepath.Clean(path)
	metadata := map[string]string{"source": sourceID}
	for k, v := range extra {
		metadata[k] = v
	}
	return models.Document{
		Content:  content,
		Metadata: metadata,
		SourceID: sourceID,
	}
}

// stripDocxTags removes residual XML tags from docx paragraph content.
func stripDocxTags(content string) string {
	var text strings.Builder
	inTag := false
	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			text.WriteRune(r)
		}
	}
	return text.String()
}

// extractTextFromXML pulls the text runs (<a:t> elements) out of a slide's
// drawing XML.
func extractTextFromXML(xmlContent string) string {
	var text strings.Builder
	parts := strings.Split(xmlContent, "<a:t>")
	for i, part := range parts {
		if i == 0 {
			continue
		}
		endIdx := strings.Index(part, "</a:t>")
		if endIdx >= 0 {
			text.WriteString(part[:endIdx] + " ")
		}
	}
	return text.String()
}
