package types

import (
	"strings"

	"github.com/samber/lo"
)

// HeaderField is a single header line.
type HeaderField struct {
	Key   string
	Value string
}

// Header is an ordered header multimap. Lookups are case-insensitive,
// insertion order and duplicate keys are preserved.
type Header struct {
	fields []HeaderField
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{fields: make([]HeaderField, 0, 8)}
}

// Add appends a field, keeping any existing fields with the same key.
func (h *Header) Add(key, value string) {
	h.fields = append(h.fields, HeaderField{Key: key, Value: value})
}

// Set replaces the value of the first field matching key and removes the
// remaining duplicates. The field is appended when missing.
func (h *Header) Set(key, value string) {
	idx := h.index(key)
	if idx < 0 {
		h.Add(key, value)
		return
	}
	h.fields[idx].Value = value
	tail := lo.Reject(h.fields[idx+1:], func(f HeaderField, _ int) bool {
		return strings.EqualFold(f.Key, key)
	})
	h.fields = append(h.fields[:idx+1], tail...)
}

// Get returns the first value for key, or "".
func (h *Header) Get(key string) string {
	if idx := h.index(key); idx >= 0 {
		return h.fields[idx].Value
	}
	return ""
}

// Values returns every value for key in insertion order.
func (h *Header) Values(key string) []string {
	return lo.FilterMap(h.fields, func(f HeaderField, _ int) (string, bool) {
		return f.Value, strings.EqualFold(f.Key, key)
	})
}

// Has reports whether at least one field matches key.
func (h *Header) Has(key string) bool {
	return h.index(key) >= 0
}

// Del removes every field matching key.
func (h *Header) Del(key string) {
	h.fields = lo.Reject(h.fields, func(f HeaderField, _ int) bool {
		return strings.EqualFold(f.Key, key)
	})
}

// Pairs returns a copy of all fields in insertion order.
func (h *Header) Pairs() []HeaderField {
	out := make([]HeaderField, len(h.fields))
	copy(out, h.fields)
	return out
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	return &Header{fields: h.Pairs()}
}

// Contains reports whether the comma separated list under key contains token.
func (h *Header) Contains(key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func (h *Header) index(key string) int {
	_, idx, ok := lo.FindIndexOf(h.fields, func(f HeaderField) bool {
		return strings.EqualFold(f.Key, key)
	})
	if !ok {
		return -1
	}
	return idx
}

func (h *Header) write(sb *strings.Builder) {
	for _, f := range h.fields {
		sb.WriteString("\r\n")
		sb.WriteString(f.Key)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
	}
}
