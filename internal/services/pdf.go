package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"learnly/internal/logger"
	"learnly/internal/ocr"
)

// PDFService extracts plain text from uploaded files. PDFs without a text layer
// are rendered with ghostscript and transcribed by the OCR client when one is
// configured.
type PDFService struct {
	ocr    ocr.Transcriber
	log    *logger.Logger
	render func(ctx context.Context, path string, pages int) ([]ocr.PageImage, error)
}

func NewPDFService(transcriber ocr.Transcriber, log *logger.Logger) *PDFService {
	if log == nil {
		log = logger.Nop()
	}
	s := &PDFService{ocr: transcriber, log: log}
	s.render = s.ConvertPDFPagesToImages
	return s
}

// SupportedFile reports whether ExtractText can read files with this name.
func SupportedFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".txt", ".md":
		return true
	}
	return false
}

// ExtractText returns the text of data and its page count. Plain text files
// count as one page.
func (s *PDFService) ExtractText(ctx context.Context, data []byte, filename string) (string, int, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md":
		if !utf8.Valid(data) {
			return "", 0, fmt.Errorf("%s is not valid UTF-8: %w", filename, ErrUnsupportedFile)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", 0, ErrNoExtractableText
		}
		return text, 1, nil
	case ".pdf":
		return s.extractPDF(ctx, data, filename)
	default:
		return "", 0, fmt.Errorf("%s: %w", filename, ErrUnsupportedFile)
	}
}

func (s *PDFService) extractPDF(ctx context.Context, data []byte, filename string) (string, int, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf %s: %w", filename, err)
	}
	pages := r.NumPage()

	var text string
	if plain, err := r.GetPlainText(); err != nil {
		s.log.Warn("pdf text layer unreadable", "filename", filename, "error", err)
	} else {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(plain); err != nil {
			return "", pages, fmt.Errorf("read pdf text %s: %w", filename, err)
		}
		text = strings.TrimSpace(buf.String())
	}
	if text != "" {
		return text, pages, nil
	}

	if s.ocr == nil {
		return "", pages, ErrNoExtractableText
	}
	s.log.Info("pdf has no text layer, using ocr", "filename", filename, "pages", pages)

	tmp, err := os.CreateTemp("", "learnly-*.pdf")
	if err != nil {
		return "", pages, fmt.Errorf("create temp pdf: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", pages, fmt.Errorf("write temp pdf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", pages, fmt.Errorf("close temp pdf: %w", err)
	}

	images, err := s.render(ctx, tmp.Name(), pages)
	if err != nil {
		return "", pages, err
	}
	text, err = s.ocr.TranscribePages(ctx, images)
	if err != nil {
		return "", pages, fmt.Errorf("ocr %s: %w", filename, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", pages, ErrNoExtractableText
	}
	return text, pages, nil
}

// ConvertPDFPagesToImages renders each page of a PDF to a base64-encoded PNG
// data URI using ghostscript.
func (s *PDFService) ConvertPDFPagesToImages(ctx context.Context, path string, numPages int) ([]ocr.PageImage, error) {
	if numPages == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	tempDir, err := os.MkdirTemp("", "pdf-render-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	// 150 DPI keeps pages legible without oversized payloads.
	outputPattern := filepath.Join(tempDir, "page-%03d.png")
	cmd := exec.CommandContext(ctx, "gs",
		"-dQUIET",
		"-dSAFER",
		"-dNOPAUSE",
		"-dBATCH",
		"-sDEVICE=png16m",
		"-r150",
		fmt.Sprintf("-sOutputFile=%s", outputPattern),
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ghostscript render failed: %w, stderr: %s", err, stderr.String())
	}

	images := make([]ocr.PageImage, 0, numPages)
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		imageData, err := os.ReadFile(filepath.Join(tempDir, fmt.Sprintf("page-%03d.png", pageNum)))
		if err != nil {
			return nil, fmt.Errorf("read rendered page %d: %w", pageNum, err)
		}
		images = append(images, ocr.PageImage{
			Number:  pageNum,
			DataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(imageData),
		})
	}
	return images, nil
}
