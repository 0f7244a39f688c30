// Package report renders a delta for people: an HTML document for files and
// mail, a compact plain list, and a mail subject.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/cloudinv/internal/delta"
)

// TimeLayout is used for every timestamp cell
const TimeLayout = "2006-01-02 15:04:05"

type row struct {
	Key       string
	Timestamp string
	Size      string
}

type section struct {
	Title string
	Rows  []row
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
th, td { border: 1px solid #ccc; padding: 2px 8px; text-align: left; }
</style>
</head>
<body>
{{- range .Sections}}
<h2>{{.Title}}</h2>
<table>
<tr><th>Path</th><th>Timestamp</th><th>Size</th></tr>
{{- range .Rows}}
<tr><td>{{.Key}}</td><td>{{.Timestamp}}</td><td>{{.Size}}</td></tr>
{{- end}}
</table>
{{- end}}
</body>
</html>
`))

// HTML renders the delta as a document with one table per class. New rows
// show the created time; modified and removed rows show the modified time.
func HTML(d *delta.Delta) (string, error) {
	data := struct {
		Title    string
		Sections []section
	}{
		Title: "Inventory report",
		Sections: []section{
			build("New", d.New, func(c delta.Change) time.Time { return c.Entry.Created }),
			build("Modified", d.Modified, func(c delta.Change) time.Time { return c.Entry.Modified }),
			build("Removed", d.Removed, func(c delta.Change) time.Time { return c.Entry.Modified }),
		},
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return buf.String(), nil
}

func build(name string, changes []delta.Change, stamp func(delta.Change) time.Time) section {
	s := section{
		Title: fmt.Sprintf("%s: %d items", name, len(changes)),
		Rows:  make([]row, 0, len(changes)),
	}
	for _, c := range changes {
		r := row{Key: c.Key, Timestamp: formatTime(stamp(c))}
		if !c.Entry.IsFolder {
			r.Size = humanize.IBytes(uint64(max(c.Entry.Size, 0)))
		}
		s.Rows = append(s.Rows, r)
	}
	return s
}

// Plain renders the delta as the compact list used in plain mail bodies
func Plain(d *delta.Delta) string {
	var b strings.Builder
	writeList(&b, "New", "Created", d.New, func(c delta.Change) time.Time { return c.Entry.Created })
	writeList(&b, "Modified", "Modified", d.Modified, func(c delta.Change) time.Time { return c.Entry.Modified })
	writeList(&b, "Removed", "Modified", d.Removed, func(c delta.Change) time.Time { return c.Entry.Modified })
	return b.String()
}

func writeList(b *strings.Builder, name, label string, changes []delta.Change, stamp func(delta.Change) time.Time) {
	fmt.Fprintf(b, "%s: %d items\n", name, len(changes))
	for _, c := range changes {
		fmt.Fprintf(b, "%s\t - %s: %s\n", c.Key, label, formatTime(stamp(c)))
	}
	b.WriteString("\n")
}

// Subject builds a mail subject such as "PCloud Report: New: 1, Modified: 0, Removed: 2"
func Subject(prefix string, d *delta.Delta) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "Report: " + d.Summary()
	}
	return prefix + " Report: " + d.Summary()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}
