package types

import (
	"encoding/json"
)

// MarshalJSON encodes the header as an ordered list of [key, value] pairs.
func (h *Header) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, 0, len(h.fields))
	for _, f := range h.fields {
		pairs = append(pairs, [2]string{f.Key, f.Value})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes the ordered pair list produced by MarshalJSON.
func (h *Header) UnmarshalJSON(data []byte) error {
	var pairs [][2]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	h.fields = make([]HeaderField, 0, len(pairs))
	for _, p := range pairs {
		h.Add(p[0], p[1])
	}
	return nil
}

func (r *Request) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = r.ID
	m["method"] = r.Method
	m["url"] = r.FullTarget()
	m["proto"] = r.Proto
	m["header"] = r.Header
	m["destHost"] = r.DestHost
	m["destPort"] = r.DestPort
	m["tls"] = r.UseTLS
	m["tags"] = r.TagList()
	m["mangled"] = r.Unmangled != nil
	if r.Response != nil {
		m["response"] = r.Response
	}
	return json.Marshal(m)
}

func (r *Response) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["statusCode"] = r.StatusCode
	m["reason"] = r.Reason
	m["proto"] = r.Proto
	m["header"] = r.Header
	m["mangled"] = r.Unmangled != nil
	return json.Marshal(m)
}
