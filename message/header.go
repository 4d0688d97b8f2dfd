package message

import "strings"

// Header is an ordered header multimap. Names keep the spelling of their
// first insertion, lookups are case-insensitive, and values of one name
// keep their insertion order.
type Header struct {
	entries []headerEntry
}

type headerEntry struct {
	name   string
	values []string
}

func (h *Header) index(name string) int {
	for i := range h.entries {
		if strings.EqualFold(h.entries[i].name, name) {
			return i
		}
	}
	return -1
}

// Add appends value to the values of name.
func (h *Header) Add(name, value string) {
	if i := h.index(name); i >= 0 {
		h.entries[i].values = append(h.entries[i].values, value)
		return
	}
	h.entries = append(h.entries, headerEntry{name: name, values: []string{value}})
}

// Set replaces every value of name. The position of an existing name is kept.
func (h *Header) Set(name string, values ...string) {
	copied := append([]string(nil), values...)
	if i := h.index(name); i >= 0 {
		h.entries[i].values = copied
		return
	}
	h.entries = append(h.entries, headerEntry{name: name, values: copied})
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	if i := h.index(name); i >= 0 && len(h.entries[i].values) > 0 {
		return h.entries[i].values[0]
	}
	return ""
}

// Values returns every value of name in insertion order.
func (h *Header) Values(name string) []string {
	if i := h.index(name); i >= 0 {
		return h.entries[i].values
	}
	return nil
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool { return h.index(name) >= 0 }

// Del removes name.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
	}
}

// Names returns header names in insertion order.
func (h *Header) Names() []string {
	names := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		names = append(names, e.name)
	}
	return names
}

// Len returns the number of distinct names.
func (h *Header) Len() int { return len(h.entries) }

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	out := Header{entries: make([]headerEntry, 0, len(h.entries))}
	for _, e := range h.entries {
		out.entries = append(out.entries, headerEntry{
			name:   e.name,
			values: append([]string(nil), e.values...),
		})
	}
	return out
}
