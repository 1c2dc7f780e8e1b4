// Package wgconf reads and writes wg-quick configuration files as an ordered list of
// sections, so edits operate on structure instead of text patterns.
package wgconf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Section and key names used by wg-quick.
const (
	SectionInterface = "Interface"
	SectionPeer      = "Peer"

	KeyPrivateKey          = "PrivateKey"
	KeyAddress             = "Address"
	KeyPublicKey           = "PublicKey"
	KeyAllowedIPs          = "AllowedIPs"
	KeyEndpoint            = "Endpoint"
	KeyPersistentKeepalive = "PersistentKeepalive"
)

// ErrSyntax is returned for lines that are neither a section header nor key = value.
var ErrSyntax = errors.New("wgconf: syntax error")

// Entry is one "Key = Value" line.
type Entry struct {
	Key   string
	Value string
}

// Section is a bracketed stanza and its entries, in file order.
type Section struct {
	Name    string
	Entries []Entry
}

// Get returns the first value for key. Keys compare case-insensitively.
func (s Section) Get(key string) (string, bool) {
	for _, e := range s.Entries {
		if strings.EqualFold(e.Key, key) {
			return e.Value, true
		}
	}
	return "", false
}

// Set replaces the first value for key or appends a new entry.
func (s *Section) Set(key, value string) {
	for i := range s.Entries {
		if strings.EqualFold(s.Entries[i].Key, key) {
			s.Entries[i].Value = value
			return
		}
	}
	s.Entries = append(s.Entries, Entry{Key: key, Value: value})
}

// Is reports whether the section has the given name.
func (s Section) Is(name string) bool {
	return strings.EqualFold(s.Name, name)
}

// Document is a parsed configuration file.
type Document struct {
	Sections []Section
}

// Parse reads a configuration. Comments and blank lines are dropped.
func Parse(r io.Reader) (Document, error) {
	var doc Document
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return Document{}, fmt.Errorf("%w: line %d: unterminated section header", ErrSyntax, lineNo)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			doc.Sections = append(doc.Sections, Section{Name: name})
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Document{}, fmt.Errorf("%w: line %d: expected key = value", ErrSyntax, lineNo)
		}
		if len(doc.Sections) == 0 {
			return Document{}, fmt.Errorf("%w: line %d: entry outside of a section", ErrSyntax, lineNo)
		}
		last := &doc.Sections[len(doc.Sections)-1]
		last.Entries = append(last.Entries, Entry{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return Document{}, fmt.Errorf("read config: %w", err)
	}
	return doc, nil
}

// Load parses the file at path.
func Load(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = f.Close() }() //nolint:errcheck // read-only

	return Parse(f)
}

// String renders the document. Sections are separated by one blank line.
func (d Document) String() string {
	var b strings.Builder
	for i, s := range d.Sections {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s]\n", s.Name)
		for _, e := range s.Entries {
			fmt.Fprintf(&b, "%s = %s\n", e.Key, e.Value)
		}
	}
	return b.String()
}

// Bytes is String as a byte slice.
func (d Document) Bytes() []byte {
	return []byte(d.String())
}

// Interface returns the first [Interface] section.
func (d Document) Interface() (Section, bool) {
	for _, s := range d.Sections {
		if s.Is(SectionInterface) {
			return s, true
		}
	}
	return Section{}, false
}

// Peers returns every [Peer] section in order.
func (d Document) Peers() []Section {
	var peers []Section
	for _, s := range d.Sections {
		if s.Is(SectionPeer) {
			peers = append(peers, s)
		}
	}
	return peers
}

// PeerByKey returns the [Peer] section whose PublicKey equals publicKey.
func (d Document) PeerByKey(publicKey string) (Section, bool) {
	for _, s := range d.Peers() {
		if v, ok := s.Get(KeyPublicKey); ok && v == publicKey {
			return s, true
		}
	}
	return Section{}, false
}

// RemovePeers drops every [Peer] section keyed by publicKey and returns how many
// were removed. Other sections keep their order.
func (d *Document) RemovePeers(publicKey string) int {
	kept := d.Sections[:0]
	removed := 0
	for _, s := range d.Sections {
		if s.Is(SectionPeer) {
			if v, ok := s.Get(KeyPublicKey); ok && v == publicKey {
				removed++
				continue
			}
		}
		kept = append(kept, s)
	}
	d.Sections = kept
	return removed
}
