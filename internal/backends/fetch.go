package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/example/task-relay/internal/models"
)

// FetchBackend resolves documentation-style tasks: the payload is a URL, the
// result is the page body converted to plain text. Server-side errors are
// reported as non-convergent (stuck) so the task can be relayed to a mirror;
// client-side errors are terminal.
type FetchBackend struct {
	MaxBytes int
	// Client defaults to http.DefaultClient; per-attempt deadlines come from
	// the caller's ctx.
	Client *http.Client
}

func (f *FetchBackend) ID() string { return "fetch" }

func (f *FetchBackend) Submit(ctx context.Context, task *models.Task, handover *models.HandoverRecord) (*Result, error) {
	url := strings.TrimSpace(task.Payload)
	if url == "" {
		return failure("missing url in payload", "empty_payload"), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failure(err.Error(), "bad_url"), nil
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// transient transport problem: another backend may still converge
		return stuck(err.Error(), "http_transport"), nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return stuck(fmt.Sprintf("status=%d", resp.StatusCode), "http_5xx"), nil
	case resp.StatusCode >= 400:
		return failure(fmt.Sprintf("status=%d", resp.StatusCode), "http_4xx"), nil
	}

	// limit body to avoid huge transfers
	max := f.MaxBytes
	if max <= 0 {
		max = 2 << 20
	}
	lr := io.LimitedReader{R: resp.Body, N: int64(max)}
	b, err := io.ReadAll(&lr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return stuck(err.Error(), "http_transport"), nil
	}
	logs := fmt.Sprintf("status=%d bytes=%d", resp.StatusCode, len(b))
	if lr.N == 0 {
		logs += " truncated=true"
	}

	text, err := htmlToText(string(b))
	if err != nil {
		return failure(err.Error(), "html_parse"), nil
	}
	return success(text, logs), nil
}

// htmlToText strips markup and collapses whitespace. Non-HTML bodies pass
// through mostly unchanged since the parser treats them as text nodes.
func htmlToText(htmlStr string) (string, error) {
	if htmlStr == "" {
		return "", nil
	}
	node, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	extractText(node, &b, false)
	return strings.TrimSpace(compactWhitespace(b.String())), nil
}

func extractText(n *html.Node, b *strings.Builder, inHidden bool) {
	if n.Type == html.ElementNode {
		// skip script/style/noscript
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			inHidden = true
		case "br", "p", "div", "li", "tr":
			b.WriteString("\n")
		}
	}
	if !inHidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, inHidden)
	}
}

func compactWhitespace(s string) string {
	// collapse multiple spaces/newlines
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.Join(strings.Fields(ln), " ")
	}
	var out []string
	for _, ln := range lines {
		if strings.TrimSpace(ln) != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}
