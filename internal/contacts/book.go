// Package contacts loads the human-written context used by triage: a YAML
// contacts book and free-text user rules.
package contacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Contact is one entry of contacts.yaml. Match is an address, a domain
// starting with "@", or a regular expression.
type Contact struct {
	Name     string `yaml:"name"`
	Match    string `yaml:"match"`
	Priority bool   `yaml:"priority"`
	Notes    string `yaml:"notes"`

	re *regexp.Regexp
}

type file struct {
	Contacts []Contact `yaml:"contacts"`
}

type Book struct {
	Contacts []Contact
	Rules    string
}

// Load reads both files. Missing files yield an empty book.
func Load(contactsPath, rulesPath string) (*Book, error) {
	b := &Book{}

	data, err := os.ReadFile(contactsPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read contacts: %w", err)
	default:
		if b.Contacts, err = Parse(data); err != nil {
			return nil, err
		}
	}

	rules, err := os.ReadFile(rulesPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read rules: %w", err)
	default:
		b.Rules = strings.TrimSpace(string(rules))
	}
	return b, nil
}

// Parse decodes contacts.yaml content and compiles every matcher.
func Parse(data []byte) ([]Contact, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse contacts: %w", err)
	}
	out := make([]Contact, 0, len(f.Contacts))
	for i, c := range f.Contacts {
		c.Match = strings.TrimSpace(c.Match)
		if c.Match == "" {
			return nil, fmt.Errorf("contact %d (%s): match is required", i, c.Name)
		}
		re, err := compileMatch(c.Match)
		if err != nil {
			return nil, fmt.Errorf("contact %d (%s): %w", i, c.Name, err)
		}
		c.re = re
		out = append(out, c)
	}
	return out, nil
}

var plainAddress = regexp.MustCompile(`^[A-Za-z0-9._%+\-]*@[A-Za-z0-9.\-]+$`)

func compileMatch(m string) (*regexp.Regexp, error) {
	if plainAddress.MatchString(m) {
		if strings.HasPrefix(m, "@") {
			return regexp.Compile(`(?i)` + regexp.QuoteMeta(m) + `\b`)
		}
		return regexp.Compile(`(?i)(^|[<\s])` + regexp.QuoteMeta(m) + `($|[>\s])`)
	}
	re, err := regexp.Compile(`(?i)` + m)
	if err != nil {
		return nil, fmt.Errorf("invalid match pattern: %w", err)
	}
	return re, nil
}

// Matches reports whether sender is covered by c.
func (c Contact) Matches(sender string) bool {
	if c.re == nil {
		re, err := compileMatch(c.Match)
		if err != nil {
			return false
		}
		c.re = re
	}
	return c.re.MatchString(strings.TrimSpace(sender))
}

// Lookup returns every contact matching sender, in file order.
func (b *Book) Lookup(sender string) []Contact {
	if b == nil {
		return nil
	}
	var out []Contact
	for _, c := range b.Contacts {
		if c.Matches(sender) {
			out = append(out, c)
		}
	}
	return out
}

// IsPriority reports whether sender matches a priority contact.
func (b *Book) IsPriority(sender string) bool {
	for _, c := range b.Lookup(sender) {
		if c.Priority {
			return true
		}
	}
	return false
}

// Notes returns the notes of every contact matching sender.
func (b *Book) Notes(sender string) []string {
	var notes []string
	for _, c := range b.Lookup(sender) {
		if n := strings.TrimSpace(c.Notes); n != "" {
			notes = append(notes, n)
		}
	}
	return notes
}

// PromptContext renders notes for the given senders followed by the user rules.
func (b *Book) PromptContext(senders []string) string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	seen := make(map[string]bool)
	for _, s := range senders {
		for _, c := range b.Lookup(s) {
			key := c.Name + "\x00" + c.Match
			if seen[key] {
				continue
			}
			seen[key] = true
			name := c.Name
			if name == "" {
				name = c.Match
			}
			fmt.Fprintf(&sb, "- %s (%s)", name, c.Match)
			if c.Priority {
				sb.WriteString(" [priority]")
			}
			if n := strings.TrimSpace(c.Notes); n != "" {
				sb.WriteString(": " + n)
			}
			sb.WriteString("\n")
		}
	}
	contacts := sb.String()

	var out strings.Builder
	if contacts != "" {
		out.WriteString("Contacts:\n")
		out.WriteString(contacts)
	}
	if b.Rules != "" {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("Rules:\n")
		out.WriteString(b.Rules)
		out.WriteString("\n")
	}
	return out.String()
}
