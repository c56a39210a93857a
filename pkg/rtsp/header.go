package rtsp

import "strings"

// Header is an ordered, case-insensitive RTSP header set. Lookups are
// case-insensitive; the original case of the first occurrence of a name is
// preserved on the wire. Repeated headers of the same name are concatenated
// with a comma, per RFC 2326 §1.1 / RFC 2616 §4.2.
type Header struct {
	order []string          // canonical (original-case) names, insertion order
	byKey map[string]string // lower(name) -> canonical name
	vals  map[string]string // lower(name) -> value
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{
		byKey: make(map[string]string),
		vals:  make(map[string]string),
	}
}

// Set overwrites any existing value for name.
func (h *Header) Set(name, value string) {
	key := strings.ToLower(name)
	if _, ok := h.byKey[key]; !ok {
		h.order = append(h.order, name)
		h.byKey[key] = name
	}
	h.vals[key] = value
}

// Add appends value to any existing value for name, comma-joined.
func (h *Header) Add(name, value string) {
	key := strings.ToLower(name)
	if existing, ok := h.vals[key]; ok {
		h.vals[key] = existing + ", " + value
		return
	}
	h.order = append(h.order, name)
	h.byKey[key] = name
	h.vals[key] = value
}

// Get performs a case-insensitive lookup, returning "" if absent.
func (h *Header) Get(name string) string {
	return h.vals[strings.ToLower(name)]
}

// Has reports whether name is present, case-insensitively.
func (h *Header) Has(name string) bool {
	_, ok := h.vals[strings.ToLower(name)]
	return ok
}

// Del removes name, case-insensitively.
func (h *Header) Del(name string) {
	key := strings.ToLower(name)
	if _, ok := h.vals[key]; !ok {
		return
	}
	delete(h.vals, key)
	canon := h.byKey[key]
	delete(h.byKey, key)
	for i, n := range h.order {
		if n == canon {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Names returns header names in insertion order, with CSeq moved first if
// present (the transport requires CSeq to be the first header on the wire).
func (h *Header) Names() []string {
	out := make([]string, 0, len(h.order))
	hasCSeq := false
	for _, n := range h.order {
		if strings.EqualFold(n, HeaderCSeq) {
			hasCSeq = true
			continue
		}
		out = append(out, n)
	}
	if hasCSeq {
		out = append([]string{h.byKey[strings.ToLower(HeaderCSeq)]}, out...)
	}
	return out
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	out := NewHeader()
	for _, n := range h.order {
		out.Set(n, h.Get(n))
	}
	return out
}
