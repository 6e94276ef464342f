package features

import (
	"bytes"
	"sort"
	"strings"
)

// Codec reads and writes feature states in one on-disk syntax. Read only
// reports features with a known state; Write updates known entries in place
// and appends entries for features the file does not mention yet.
type Codec interface {
	Read(data []byte) map[string]bool
	Write(data []byte, states map[string]bool) []byte
}

type lines struct {
	items   []string
	newline string
}

func splitLines(data []byte) lines {
	l := lines{newline: "\n"}
	if bytes.Contains(data, []byte("\r\n")) {
		l.newline = "\r\n"
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if text == "" {
		return l
	}
	text = strings.TrimSuffix(text, "\n")
	l.items = strings.Split(text, "\n")
	return l
}

func (l lines) bytes() []byte {
	if len(l.items) == 0 {
		return nil
	}
	return []byte(strings.Join(l.items, l.newline) + l.newline)
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func sortedIDs(states map[string]bool) []string {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LineComment toggles a feature by commenting out its "Key = ID" line.
type LineComment struct {
	Key     string
	Comment string
}

func (c LineComment) parse(line string) (id string, enabled, ok bool) {
	s := strings.TrimSpace(line)
	enabled = true
	if strings.HasPrefix(s, c.Comment) {
		enabled = false
		s = strings.TrimSpace(strings.TrimPrefix(s, c.Comment))
	}
	key, value, found := strings.Cut(s, "=")
	if !found || !strings.EqualFold(strings.TrimSpace(key), c.Key) {
		return "", false, false
	}
	id = strings.TrimSpace(value)
	if id == "" || strings.ContainsAny(id, " \t") {
		return "", false, false
	}
	return id, enabled, true
}

func (c LineComment) Read(data []byte) map[string]bool {
	states := map[string]bool{}
	for _, line := range splitLines(data).items {
		if id, enabled, ok := c.parse(line); ok {
			states[id] = states[id] || enabled
		}
	}
	return states
}

func (c LineComment) format(indent, id string, enabled bool) string {
	line := c.Key + " = " + id
	if !enabled {
		line = c.Comment + line
	}
	return indent + line
}

func (c LineComment) Write(data []byte, states map[string]bool) []byte {
	l := splitLines(data)
	seen := map[string]bool{}
	for i, line := range l.items {
		id, _, ok := c.parse(line)
		if !ok {
			continue
		}
		want, managed := states[id]
		if !managed {
			continue
		}
		l.items[i] = c.format(leadingSpace(line), id, want)
		seen[id] = true
	}
	for _, id := range sortedIDs(states) {
		if !seen[id] {
			l.items = append(l.items, c.format("", id, states[id]))
		}
	}
	return l.bytes()
}

func sectionName(line string) (string, bool) {
	s := strings.TrimSpace(line)
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return "", false
	}
	return strings.TrimSpace(s[1 : len(s)-1]), true
}

// ValueSwap toggles a feature by swapping the value of a key inside the
// feature's [ID] section.
type ValueSwap struct {
	Key      string
	Enabled  string
	Disabled string
}

func (c ValueSwap) value(line string) (string, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || !strings.EqualFold(strings.TrimSpace(key), c.Key) {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (c ValueSwap) Read(data []byte) map[string]bool {
	states := map[string]bool{}
	section := ""
	for _, line := range splitLines(data).items {
		if name, ok := sectionName(line); ok {
			section = name
			continue
		}
		if section == "" {
			continue
		}
		v, ok := c.value(line)
		if !ok {
			continue
		}
		switch v {
		case c.Enabled:
			states[section] = true
		case c.Disabled:
			states[section] = false
		}
	}
	return states
}

func (c ValueSwap) Write(data []byte, states map[string]bool) []byte {
	l := splitLines(data)
	seen := map[string]bool{}
	section := ""
	for i, line := range l.items {
		if name, ok := sectionName(line); ok {
			section = name
			continue
		}
		want, managed := states[section]
		if !managed {
			continue
		}
		v, ok := c.value(line)
		if !ok || (v != c.Enabled && v != c.Disabled) {
			continue
		}
		next := c.Disabled
		if want {
			next = c.Enabled
		}
		l.items[i] = leadingSpace(line) + c.Key + " = " + next
		seen[section] = true
	}
	for _, id := range sortedIDs(states) {
		if seen[id] {
			continue
		}
		v := c.Disabled
		if states[id] {
			v = c.Enabled
		}
		l.items = append(l.items, "["+id+"]", c.Key+" = "+v)
	}
	return l.bytes()
}

// SectionSuffix toggles a feature by renaming its section header: [ID] is
// enabled, [ID<Suffix>] is disabled.
type SectionSuffix struct {
	Suffix string
}

func (c SectionSuffix) parse(line string) (id string, enabled, ok bool) {
	name, ok := sectionName(line)
	if !ok {
		return "", false, false
	}
	if strings.HasSuffix(name, c.Suffix) && len(name) > len(c.Suffix) {
		return strings.TrimSuffix(name, c.Suffix), false, true
	}
	return name, true, true
}

func (c SectionSuffix) Read(data []byte) map[string]bool {
	states := map[string]bool{}
	for _, line := range splitLines(data).items {
		if id, enabled, ok := c.parse(line); ok {
			states[id] = enabled
		}
	}
	return states
}

func (c SectionSuffix) header(id string, enabled bool) string {
	if enabled {
		return "[" + id + "]"
	}
	return "[" + id + c.Suffix + "]"
}

func (c SectionSuffix) Write(data []byte, states map[string]bool) []byte {
	l := splitLines(data)
	seen := map[string]bool{}
	for i, line := range l.items {
		id, _, ok := c.parse(line)
		if !ok {
			continue
		}
		want, managed := states[id]
		if !managed {
			continue
		}
		l.items[i] = leadingSpace(line) + c.header(id, want)
		seen[id] = true
	}
	for _, id := range sortedIDs(states) {
		if !seen[id] {
			l.items = append(l.items, c.header(id, states[id]))
		}
	}
	return l.bytes()
}

var (
	_ Codec = LineComment{}
	_ Codec = ValueSwap{}
	_ Codec = SectionSuffix{}
)
