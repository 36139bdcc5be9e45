// Package manifest reads and writes the generated-file manifest embedded
// in compiler output. Each manifest line is a comment of the form
//
//	# files: local-name remote-name
//
// where the remote name is optional and defaults to the local name, and a
// leading asterisk marks the primary script.
package manifest

import (
	"fmt"
	"sort"
	"strings"
)

const linePrefix = "# files:"

// Entry describes one generated file.
type Entry struct {
	Local   string
	Remote  string
	Primary bool
}

// Manifest is an ordered list of generated-file entries.
type Manifest struct {
	Entries []Entry
}

// Add appends an entry. An empty remote name defaults to the local name.
func (m *Manifest) Add(local, remote string, primary bool) {
	if remote == "" {
		remote = local
	}
	m.Entries = append(m.Entries, Entry{Local: local, Remote: remote, Primary: primary})
}

// Primary returns the local name of the primary script, or "" when the
// manifest has no primary entry.
func (m *Manifest) Primary() string {
	for _, e := range m.Entries {
		if e.Primary {
			return e.Local
		}
	}
	return ""
}

// Mapping returns the local-to-remote name map.
func (m *Manifest) Mapping() map[string]string {
	out := make(map[string]string, len(m.Entries))
	for _, e := range m.Entries {
		out[e.Local] = e.Remote
	}
	return out
}

// Format renders the manifest as comment lines, one per entry, each
// terminated by a newline.
func (m *Manifest) Format() string {
	var sb strings.Builder
	for _, e := range m.Entries {
		sb.WriteString(linePrefix)
		sb.WriteByte(' ')
		if e.Primary {
			sb.WriteByte('*')
		}
		sb.WriteString(e.Local)
		if e.Remote != e.Local {
			sb.WriteByte(' ')
			sb.WriteString(e.Remote)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Parse extracts manifest entries from generated output. Lines that are
// not manifest comments are ignored, so the whole script body may be
// passed in. Parse fails when a manifest line names no file or more than
// one entry is marked primary.
func Parse(text string) (*Manifest, error) {
	m := &Manifest{}
	sawPrimary := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, linePrefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, linePrefix))
		if rest == "" {
			return nil, fmt.Errorf("manifest line names no file: %q", line)
		}
		fields := strings.Fields(rest)
		local := fields[0]
		primary := false
		if strings.HasPrefix(local, "*") {
			primary = true
			local = local[1:]
			if local == "" {
				return nil, fmt.Errorf("manifest line names no file: %q", line)
			}
		}
		if primary && sawPrimary {
			return nil, fmt.Errorf("manifest marks more than one primary file")
		}
		sawPrimary = sawPrimary || primary
		remote := ""
		if len(fields) > 1 {
			remote = fields[1]
		}
		m.Add(local, remote, primary)
	}
	return m, nil
}

// Sorted returns the local names in lexical order.
func (m *Manifest) Sorted() []string {
	names := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		names = append(names, e.Local)
	}
	sort.Strings(names)
	return names
}
