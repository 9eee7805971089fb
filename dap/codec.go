package dap

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// This is the wire format for the engine<->core IPC. It is
// intentionally distinct from the client-facing DAP
// transport (which uses google/go-dap's Content-Length framing over
// conn.go/common.Conn): the engine is not a DAP client, it is the
// debuggee's control channel, so it gets its own minimal binary frame.
//
//	[ 2-byte magic "DP" ] [ 1 ver=1 ] [ 1 kind ] [ 4 length BE ] [ payload ]

var magic = [2]byte{'D', 'P'}

const protocolVersion = 1

// FrameKind discriminates an engine-IPC frame.
type FrameKind byte

const (
	FrameEvent    FrameKind = 1 // engine -> core
	FrameCommand  FrameKind = 2 // core -> engine
	FrameResponse FrameKind = 3 // engine -> core
	FrameLog      FrameKind = 4 // engine -> core, routed to DAP "output"
)

// EngineMessage is the decoded payload of a single frame. Type is the
// JSON discriminator carried inside the payload object itself, e.g.
// {"type":"stopped", ...}.
type EngineMessage struct {
	Kind FrameKind
	Type string
	Raw  json.RawMessage
}

// Decode reads exactly one frame from r. It returns io.EOF when the
// peer has cleanly closed the stream between frames. Any magic or
// version mismatch is a fatal Framing error: the codec
// never attempts to resynchronize.
func Decode(r *bufio.Reader) (*EngineMessage, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, newFatalError(KindTransport, "read frame header", err)
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] {
		return nil, newFatalError(KindFraming, "bad magic", errors.Errorf("got %x%x", hdr[0], hdr[1]))
	}
	if _, err := io.ReadFull(r, hdr[2:4]); err != nil {
		return nil, newFatalError(KindFraming, "truncated frame header", err)
	}
	ver, kind := hdr[2], hdr[3]
	if ver != protocolVersion {
		return nil, newFatalError(KindFraming, "unsupported protocol version", errors.Errorf("got %d", ver))
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, newFatalError(KindFraming, "truncated frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, newFatalError(KindFraming, "truncated frame payload", err)
	}

	var disc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &disc); err != nil {
		return nil, newFatalError(KindFraming, "invalid payload", err)
	}

	return &EngineMessage{Kind: FrameKind(kind), Type: disc.Type, Raw: payload}, nil
}

// Encode writes one frame to w. Writes must be atomic
// per message; callers serialize concurrent writers with a mutex (see
// Multiplexer.Send's writeMu in transport.go).
func Encode(w io.Writer, kind FrameKind, payload any) error {
	dt, err := json.Marshal(payload)
	if err != nil {
		return newError(KindFraming, "marshal payload", err)
	}

	buf := make([]byte, 8+len(dt))
	buf[0], buf[1] = magic[0], magic[1]
	buf[2] = protocolVersion
	buf[3] = byte(kind)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(dt)))
	copy(buf[8:], dt)

	_, err = w.Write(buf)
	if err != nil {
		return newFatalError(KindTransport, "write frame", err)
	}
	return nil
}

// Unmarshal decodes the message's raw payload into v.
func (m *EngineMessage) Unmarshal(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return newError(KindFraming, "unmarshal payload", err)
	}
	return nil
}
