// Package markdown renders and parses the archive's message file format:
// YAML front matter followed by the message body as markdown (spec §6
// "markdown archive format"). Uses gopkg.in/yaml.v3, the teacher's
// project-wide YAML library.
package markdown

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FrontMatter is the archive header for one message file.
type FrontMatter struct {
	ID         int64     `yaml:"id"`
	ThreadID   string    `yaml:"thread_id"`
	Sender     string    `yaml:"sender"`
	To         []string  `yaml:"to,omitempty"`
	CC         []string  `yaml:"cc,omitempty"`
	Importance string    `yaml:"importance"`
	CreatedTS  time.Time `yaml:"created_ts"`
}

// Render produces the full file contents: "---\n" + YAML + "---\n\n", then
// "# " + subject + "\n\n" when subject is non-empty, then body (with a
// trailing newline added if body lacks one).
func Render(fm FrontMatter, subject, body string) (string, error) {
	data, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("marshal front matter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(data)
	b.WriteString("---\n\n")
	if subject != "" {
		b.WriteString("# ")
		b.WriteString(subject)
		b.WriteString("\n\n")
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Parse splits a rendered archive file back into its front matter and body.
// The body it returns still carries the "# subject" heading Render wrote.
func Parse(content string) (FrontMatter, string, error) {
	var fm FrontMatter
	if !strings.HasPrefix(content, "---\n") {
		return fm, "", fmt.Errorf("missing front matter delimiter")
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated front matter")
	}
	header := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n---\n"):], "\n")
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return fm, "", fmt.Errorf("unmarshal front matter: %w", err)
	}
	return fm, body, nil
}

// Slugify produces a filesystem-safe fragment from a subject line, used to
// build archive file names (spec §6 on-disk layout).
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "message"
	}
	if len(out) > 60 {
		out = out[:60]
	}
	return out
}
