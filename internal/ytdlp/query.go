package ytdlp

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"ytdl-hub/internal/model"
)

const entryPrintTemplate = "%(id)s|%(title)s|%(upload_date)s|%(timestamp)s|%(thumbnail)s"

type QueryOptions struct {
	SourceURL string
	DateAfter time.Time // zero disables the coarse date filter
}

// Entry is one item listed by a flat playlist query. UploadDate is raw
// (YYYYMMDD or empty) and Timestamp is 0 when the source did not report one.
type Entry struct {
	ID         string
	Title      string
	UploadDate string
	Timestamp  int64
	Thumbnail  string
}

// QueryArgs returns the argument list for a flat listing of a source.
func (c Client) QueryArgs(opts QueryOptions) ([]string, error) {
	if strings.TrimSpace(opts.SourceURL) == "" {
		return nil, fmt.Errorf("%w: source URL is required", model.ErrInvalidSpec)
	}
	args := []string{
		"--flat-playlist",
		"--skip-download",
		"--ignore-errors",
		"--print", entryPrintTemplate,
	}
	if !opts.DateAfter.IsZero() {
		args = append(args, "--dateafter", opts.DateAfter.UTC().Format("20060102"))
	}
	args, err := c.appendCommonArgs(args)
	if err != nil {
		return nil, err
	}
	return append(args, opts.SourceURL), nil
}

// Query lists the items of a source. A non-zero exit only fails the query
// when nothing could be listed.
func (c Client) Query(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	args, err := c.QueryArgs(opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.binary(), args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	entries := ParseEntries(stdout.String())
	if runErr != nil && len(entries) == 0 {
		detail := FailureDetail(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return nil, fmt.Errorf("%w: yt-dlp query %s: %s", model.ErrSourceQueryFailure, opts.SourceURL, truncate(detail, 600))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: yt-dlp query %s: %v", model.ErrSourceQueryFailure, opts.SourceURL, ctxErr)
	}
	return entries, nil
}

// ParseEntries reads the lines printed by entryPrintTemplate. Titles may
// contain the separator, so the id is taken from the front and the other
// fields from the back.
func ParseEntries(out string) []Entry {
	lines := strings.Split(out, "\n")
	entries := make([]Entry, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 5 {
			continue
		}
		n := len(parts)
		id := strings.TrimSpace(parts[0])
		if id == "" || id == "NA" || seen[id] {
			continue
		}
		seen[id] = true
		e := Entry{
			ID:         id,
			Title:      naToEmpty(strings.Join(parts[1:n-3], "|")),
			UploadDate: naToEmpty(parts[n-3]),
			Thumbnail:  naToEmpty(parts[n-1]),
		}
		if ts, err := strconv.ParseInt(naToEmpty(parts[n-2]), 10, 64); err == nil && ts > 0 {
			e.Timestamp = ts
		}
		entries = append(entries, e)
	}
	return entries
}

func naToEmpty(v string) string {
	v = strings.TrimSpace(v)
	if v == "NA" || v == "None" {
		return ""
	}
	return v
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
