// Package eventstream decodes the AWS EventStream binary framing used by the
// Amazon Q streaming API. Each frame carries a 12-byte prelude (total length,
// headers length, prelude CRC), typed headers, a payload, and a trailing
// message CRC. Frames of interest carry JSON payloads whose kind is named by
// the ":event-type" header.
package eventstream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Well-known event kinds emitted by the upstream.
const (
	EventInitialResponse   = "initial-response"
	EventAssistantResponse = "assistantResponseEvent"
	EventToolUse           = "toolUseEvent"
	EventAssistantEnd      = "assistantResponseEnd"
	EventError             = "error"
)

const (
	preludeLen  = 12
	minFrameLen = 16 // prelude + message CRC
)

// Event is one decoded frame.
type Event struct {
	// Type is the ":event-type" header value, or ":exception-type" for
	// error frames (Type is then EventError and Exception holds the name).
	Type      string
	Exception string
	Headers   map[string]string
	Payload   []byte
}

// Decoder is an incremental frame decoder. It is a pure byte-pump: Feed
// never blocks, returns all complete frames, and retains the residue.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends chunk to the internal buffer and returns every complete
// event now available. A malformed prelude advances a single byte and
// retries, which tolerates transient stream corruption.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)
	var events []Event
	for {
		ev, consumed, ok := parseFrame(d.buf)
		if !ok {
			break
		}
		d.buf = d.buf[consumed:]
		if consumed == 1 {
			// Resynchronization skip; no event produced.
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Buffered reports how many undecoded bytes are retained.
func (d *Decoder) Buffered() int { return len(d.buf) }

// parseFrame attempts to decode one frame from buf. It returns the event,
// the number of bytes consumed, and whether any progress was made. A
// consumed count of 1 with ok=true signals a resynchronization skip.
func parseFrame(buf []byte) (Event, int, bool) {
	if len(buf) < preludeLen {
		return Event{}, 0, false
	}
	totalLen := binary.BigEndian.Uint32(buf[0:4])
	headersLen := binary.BigEndian.Uint32(buf[4:8])
	preludeCRC := binary.BigEndian.Uint32(buf[8:12])

	if totalLen < minFrameLen || headersLen+minFrameLen > totalLen {
		return Event{}, 1, true
	}
	if crc32.ChecksumIEEE(buf[0:8]) != preludeCRC {
		return Event{}, 1, true
	}
	if uint32(len(buf)) < totalLen {
		return Event{}, 0, false
	}

	frame := buf[:totalLen]
	messageCRC := binary.BigEndian.Uint32(frame[totalLen-4:])
	if crc32.ChecksumIEEE(frame[:totalLen-4]) != messageCRC {
		return Event{}, 1, true
	}

	headers := parseHeaders(frame[preludeLen : preludeLen+headersLen])
	payloadLen := totalLen - preludeLen - headersLen - 4
	payload := make([]byte, payloadLen)
	copy(payload, frame[preludeLen+headersLen:totalLen-4])

	ev := Event{Headers: headers, Payload: payload}
	if mt := headers[":message-type"]; mt == "exception" || mt == "error" {
		ev.Type = EventError
		ev.Exception = headers[":exception-type"]
		if ev.Exception == "" {
			ev.Exception = headers[":error-code"]
		}
	} else {
		ev.Type = headers[":event-type"]
	}
	return ev, int(totalLen), true
}

// parseHeaders decodes the typed header block. Only string headers (type 7)
// carry values we need; other value types are skipped structurally.
func parseHeaders(data []byte) map[string]string {
	headers := make(map[string]string)
	pos := 0
	for pos < len(data) {
		nameLen := int(data[pos])
		pos++
		if pos+nameLen > len(data) {
			break
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		if pos >= len(data) {
			break
		}
		valueType := data[pos]
		pos++
		switch valueType {
		case 0, 1: // bool true / false, no payload
			headers[name] = map[byte]string{0: "true", 1: "false"}[valueType]
		case 2: // byte
			pos++
		case 3: // int16
			pos += 2
		case 4: // int32
			pos += 4
		case 5, 8: // int64, timestamp
			pos += 8
		case 6, 7: // byte array, string
			if pos+2 > len(data) {
				return headers
			}
			valueLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
			pos += 2
			if pos+valueLen > len(data) {
				return headers
			}
			if valueType == 7 {
				headers[name] = string(data[pos : pos+valueLen])
			}
			pos += valueLen
		case 9: // uuid
			pos += 16
		default:
			return headers
		}
	}
	return headers
}

// Reader drives a Decoder from an io.Reader, yielding one event per Next
// call. It returns io.EOF once the source is drained.
type Reader struct {
	src     *bufio.Reader
	decoder *Decoder
	pending []Event
}

// NewReader wraps src for frame-at-a-time reading.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: bufio.NewReader(src), decoder: NewDecoder()}
}

// Next returns the next decoded event or io.EOF.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		chunk := make([]byte, 4096)
		n, err := r.src.Read(chunk)
		if n > 0 {
			r.pending = r.decoder.Feed(chunk[:n])
		}
		if err != nil {
			if len(r.pending) > 0 {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			return Event{}, err
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}
