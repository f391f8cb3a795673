package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tradingiq/tradingview-client/types"
)

var (
	frameMarker     = []byte("~m~")
	heartbeatPrefix = []byte("~h~")
)

// MaxFrameLength bounds a single declared payload length.
const MaxFrameLength = 64 << 20

// EncodeFrame wraps payload as ~m~<len>~m~<payload>; len counts bytes.
func EncodeFrame(payload []byte) []byte {
	length := strconv.Itoa(len(payload))
	out := make([]byte, 0, len(payload)+len(length)+2*len(frameMarker))
	out = append(out, frameMarker...)
	out = append(out, length...)
	out = append(out, frameMarker...)
	return append(out, payload...)
}

// EncodePacket JSON-encodes a packet and frames it.
func EncodePacket(p types.Packet) ([]byte, error) {
	if p.Params == nil {
		p.Params = []json.RawMessage{}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s packet: %w", p.Method, err)
	}
	return EncodeFrame(payload), nil
}

// IsHeartbeat reports whether a decoded payload is a ~h~<n> heartbeat.
func IsHeartbeat(payload []byte) bool {
	return bytes.HasPrefix(payload, heartbeatPrefix)
}

// Decoder reassembles frames from arbitrarily split byte chunks.
type Decoder struct {
	buf []byte
	// Skipped counts bytes discarded while resynchronising on a marker.
	Skipped int
}

// Feed appends chunk and returns every frame payload completed by it, in order.
// Garbage before a marker or a malformed header is skipped up to the next marker.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		payload, ok := d.next()
		if !ok {
			break
		}
		frames = append(frames, payload)
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) next() ([]byte, bool) {
	for {
		if len(d.buf) < len(frameMarker) {
			if len(d.buf) > 0 && !bytes.HasPrefix(frameMarker, d.buf) {
				d.resync(1)
				continue
			}
			return nil, false
		}

		if !bytes.HasPrefix(d.buf, frameMarker) {
			d.resync(1)
			continue
		}

		rest := d.buf[len(frameMarker):]
		digits := 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		if digits == len(rest) {
			// header not complete yet
			if digits > len(strconv.Itoa(MaxFrameLength)) {
				d.resync(len(frameMarker))
				continue
			}
			return nil, false
		}
		if digits == 0 {
			d.resync(len(frameMarker))
			continue
		}

		afterDigits := rest[digits:]
		if len(afterDigits) < len(frameMarker) {
			if !bytes.HasPrefix(frameMarker, afterDigits) {
				d.resync(len(frameMarker))
				continue
			}
			return nil, false
		}
		if !bytes.HasPrefix(afterDigits, frameMarker) {
			d.resync(len(frameMarker))
			continue
		}

		length, err := strconv.Atoi(string(rest[:digits]))
		if err != nil || length > MaxFrameLength {
			d.resync(len(frameMarker))
			continue
		}

		header := len(frameMarker) + digits + len(frameMarker)
		if len(d.buf) < header+length {
			return nil, false
		}

		payload := make([]byte, length)
		copy(payload, d.buf[header:header+length])
		d.buf = d.buf[header+length:]
		return payload, true
	}
}

// resync drops at least min bytes, then everything up to the next marker.
func (d *Decoder) resync(min int) {
	if min > len(d.buf) {
		min = len(d.buf)
	}
	idx := bytes.Index(d.buf[min:], frameMarker)
	if idx < 0 {
		// keep a possible partial marker at the tail
		keep := 0
		for k := len(frameMarker) - 1; k > 0; k-- {
			if len(d.buf)-min >= k && bytes.HasSuffix(d.buf, frameMarker[:k]) {
				keep = k
				break
			}
		}
		d.skip(len(d.buf) - keep)
		return
	}
	d.skip(min + idx)
}

func (d *Decoder) skip(n int) {
	d.Skipped += n
	d.buf = d.buf[n:]
}
