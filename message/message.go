// Package message defines the IPC message exchanged between client and server.
//
// IpcMessage is the unit both sides hand to the transport: a frame header and an
// opaque body. The body is usually an RCM document, but the transport never looks
// inside it.
package message

import "ipc-rpc/protocol"

// IpcMessage carries the data for a single IPC request or response.
//
// A message is owned by the call that created it until it is handed to the
// transport; it is not safe for concurrent use.
type IpcMessage struct {
	Head protocol.Header
	Body []byte
}

// New creates a request with the protocol magic stamped and BodyLen matching body.
func New(body []byte) *IpcMessage {
	m := &IpcMessage{}
	m.SetBody(body)
	return m
}

// SetBody replaces the body and recomputes Head.BodyLen.
func (m *IpcMessage) SetBody(body []byte) {
	m.Head.MagicNum = protocol.MagicNumber
	m.Head.BodyLen = uint32(len(body))
	m.Body = body
}

// Reset clears the body, keeping the header identity.
func (m *IpcMessage) Reset() {
	m.Head.BodyLen = 0
	m.Body = nil
}

// Swap exchanges contents with other, moving the bodies instead of copying them.
func (m *IpcMessage) Swap(other *IpcMessage) {
	if other == m {
		return
	}
	m.Head, other.Head = other.Head, m.Head
	m.Body, other.Body = other.Body, m.Body
}

// ByteSize returns the number of bytes the message occupies on the wire.
func (m *IpcMessage) ByteSize() int {
	return protocol.HeaderSize + len(m.Body)
}

// FromFrame moves a decoded frame into m.
func (m *IpcMessage) FromFrame(f protocol.Frame) {
	m.Head = f.Header
	m.Body = f.Body
}
