package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Engine.IO v4 packet types (first byte of every websocket frame).
const (
	eioOpen    byte = '0'
	eioClose   byte = '1'
	eioPing    byte = '2'
	eioPong    byte = '3'
	eioMessage byte = '4'
	eioNoop    byte = '6'
)

// Socket.IO v5 packet types (first byte after the Engine.IO message type).
const (
	sioConnect      byte = '0'
	sioDisconnect   byte = '1'
	sioEvent        byte = '2'
	sioAck          byte = '3'
	sioConnectError byte = '4'
)

var errMalformed = errors.New("malformed packet")

// openPayload is the body of the Engine.IO open packet.
type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// packet is a decoded Socket.IO packet.
type packet struct {
	Type      byte
	Namespace string
	AckID     int // -1 when absent
	Data      json.RawMessage
}

func nspPrefix(nsp string) string {
	if nsp == "" || nsp == "/" {
		return ""
	}
	return nsp + ","
}

func encodeConnect(nsp string) []byte {
	return []byte(string([]byte{eioMessage, sioConnect}) + nspPrefix(nsp))
}

func encodeDisconnect(nsp string) []byte {
	return []byte(string([]byte{eioMessage, sioDisconnect}) + nspPrefix(nsp))
}

// encodeEvent builds `42<nsp>,["event",payload]`. A nil payload emits the
// event with no arguments.
func encodeEvent(nsp, event string, payload any) ([]byte, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	out := make([]byte, 0, len(body)+len(nsp)+3)
	out = append(out, eioMessage, sioEvent)
	out = append(out, nspPrefix(nsp)...)
	return append(out, body...), nil
}

// decodePacket parses a Socket.IO packet (the bytes after the Engine.IO
// message type).
func decodePacket(b []byte) (packet, error) {
	p := packet{AckID: -1}
	if len(b) == 0 {
		return p, errMalformed
	}
	p.Type = b[0]
	if p.Type < sioConnect || p.Type > '6' {
		return p, fmt.Errorf("%w: type %q", errMalformed, p.Type)
	}
	rest := string(b[1:])

	p.Namespace = "/"
	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			// `41/video-call` without trailing comma is legal.
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:i]
		rest = rest[i+1:]
	}

	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		id := 0
		for _, c := range rest[:n] {
			id = id*10 + int(c-'0')
		}
		p.AckID = id
		rest = rest[n:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, fmt.Errorf("%w: invalid json body", errMalformed)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// event splits an event packet body into its name and first argument.
func (p packet) event() (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil || len(args) == 0 {
		return "", nil, fmt.Errorf("%w: event body", errMalformed)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name", errMalformed)
	}
	if len(args) > 1 {
		return name, args[1], nil
	}
	return name, nil, nil
}

// errorMessage extracts {"message": "..."} from a connect_error packet.
func (p packet) errorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if len(p.Data) > 0 && json.Unmarshal(p.Data, &body) == nil && body.Message != "" {
		return body.Message
	}
	return "namespace connection rejected"
}
