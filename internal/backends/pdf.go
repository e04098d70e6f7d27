package backends

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pdfx "github.com/ledongthuc/pdf"

	"github.com/example/task-relay/internal/models"
)

// PDFBackend extracts plain text from a base64-encoded PDF payload. Page text
// is streamed through the progress callback as it is extracted.
type PDFBackend struct {
	MaxBytes int
	MaxPages int
}

func (p *PDFBackend) ID() string { return "pdf" }

func (p *PDFBackend) Submit(ctx context.Context, task *models.Task, handover *models.HandoverRecord) (*Result, error) {
	dataB64 := strings.TrimSpace(task.Payload)
	if dataB64 == "" {
		return failure("missing pdf data in payload", "empty_payload"), nil
	}
	// allow data: URIs
	if i := strings.Index(dataB64, ","); i != -1 {
		dataB64 = dataB64[i+1:]
	}
	buf, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return failure(fmt.Sprintf("invalid base64: %v", err), "bad_base64"), nil
	}
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}
	if len(buf) > maxBytes {
		return failure(fmt.Sprintf("pdf too large: %d bytes > limit %d", len(buf), maxBytes), "pdf_too_large"), nil
	}

	// the pdf lib wants a path, so spill to a temp file
	path := filepath.Join(os.TempDir(), fmt.Sprintf("relay_%s.pdf", task.ID))
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return nil, err
	}
	defer os.Remove(path)

	f, r, err := pdfx.Open(path)
	if err != nil {
		return failure(err.Error(), "pdf_parse"), nil
	}
	defer f.Close()

	totalPages := r.NumPage()
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}
	pages := totalPages
	if pages > maxPages {
		pages = maxPages
	}

	cb := progress(ctx)
	var out strings.Builder
	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		txt, _ := r.Page(page).GetPlainText(nil)
		t := strings.TrimSpace(txt)
		if t == "" {
			continue
		}
		if cb != nil {
			cb(fmt.Sprintf("\n\n--- Page %d ---\n%s", page, t))
		}
		out.WriteString(t)
		out.WriteString("\n\n")
	}
	logs := fmt.Sprintf("pages=%d/%d bytes=%d", pages, totalPages, len(buf))
	return success(strings.TrimSpace(out.String()), logs), nil
}
