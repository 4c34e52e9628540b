package protocol

import "errors"

// Sentinel errors produced by FrameReader and RequestParser. Callers use
// errors.Is against these; wrapping with fmt.Errorf("...: %w", err) is the
// norm rather than a bespoke error type hierarchy.
var (
	// ErrIncomplete means the buffer read so far does not yet contain a
	// full frame. The caller should read more bytes and retry, not treat
	// this as a failed parse.
	ErrIncomplete = errors.New("protocol: incomplete frame")

	// ErrUnsupportedVersion means the first byte did not match any known
	// dialect (0x04, 0x05, or the 'C' that starts an HTTP CONNECT line).
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")

	// ErrUnknownCmd means the dialect was recognised but the command byte
	// was not CONNECT, BIND, or UDP ASSOCIATE.
	ErrUnknownCmd = errors.New("protocol: unknown command")

	// ErrAddrTypeUnsupported means the SOCKS5 ATYP byte was not 0x01, 0x03,
	// or 0x04.
	ErrAddrTypeUnsupported = errors.New("protocol: unsupported address type")

	// ErrNotImplemented means the request parsed cleanly but names a
	// command this proxy does not carry out (BIND, UDP ASSOCIATE).
	ErrNotImplemented = errors.New("protocol: command not implemented")

	// ErrBadRequest means the bytes read violate the dialect's framing
	// (e.g. a malformed HTTP CONNECT request line).
	ErrBadRequest = errors.New("protocol: malformed request")

	// ErrBrokenLine means an HTTP line is not properly CRLF-terminated: a
	// \r is followed by something other than \n, or the line exceeded the
	// maximum length without any \r.
	ErrBrokenLine = errors.New("protocol: broken header line")

	// ErrConnectionReset means the peer closed the connection mid-frame:
	// EOF was seen after some bytes had already been consumed.
	ErrConnectionReset = errors.New("protocol: connection reset mid-frame")

	// ErrReadTimeout means no complete frame arrived within the idle read
	// deadline.
	ErrReadTimeout = errors.New("protocol: read timeout")
)
