package types

import (
	"encoding/json"
	"fmt"
)

// Packet is one decoded protocol message: {"m": method, "p": [params...]}.
type Packet struct {
	Method string            `json:"m"`
	Params []json.RawMessage `json:"p"`
}

// ServerHello is the first payload the server sends after the socket opens.
type ServerHello struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
	Release   string `json:"release"`
	Protocol  string `json:"protocol"`
}

// NewPacket encodes params into a packet.
func NewPacket(method string, params ...any) (Packet, error) {
	p := Packet{Method: method, Params: make([]json.RawMessage, 0, len(params))}
	for i, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return Packet{}, fmt.Errorf("failed to marshal param %d of %s: %w", i, method, err)
		}
		p.Params = append(p.Params, raw)
	}
	return p, nil
}

// SessionID returns the leading string param, which addresses the owning session.
func (p Packet) SessionID() string {
	return p.StringParam(0)
}

// StringParam returns params[i] as a string, or "" when absent or not a string.
func (p Packet) StringParam(i int) string {
	if i < 0 || i >= len(p.Params) {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Params[i], &s); err != nil {
		return ""
	}
	return s
}

// Param decodes params[i] into v.
func (p Packet) Param(i int, v any) error {
	if i < 0 || i >= len(p.Params) {
		return fmt.Errorf("%s: missing param %d", p.Method, i)
	}
	if err := json.Unmarshal(p.Params[i], v); err != nil {
		return fmt.Errorf("%s: failed to decode param %d: %w", p.Method, i, err)
	}
	return nil
}

// Detail joins the printable params from index start on, for error reporting.
func (p Packet) Detail(start int) string {
	detail := ""
	for i := start; i < len(p.Params); i++ {
		var v any
		if err := json.Unmarshal(p.Params[i], &v); err != nil || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		if detail != "" {
			detail += ": "
		}
		detail += s
	}
	return detail
}
