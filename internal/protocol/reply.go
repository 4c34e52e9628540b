package protocol

import (
	"encoding/binary"
	"errors"
	"net"
	"syscall"
)

// httpSuccessReply and httpFailureReply are the two fixed HTTP CONNECT
// response lines; HTTP never consults ReplyCode.
const (
	httpSuccessReply = "HTTP/1.1 200 Connection Established\r\n\r\n"
	httpFailureReply = "HTTP/1.1 400 Connection Failed\r\n\r\n"
)

// WriteSuccess serialises a dialect-correct success reply that echoes the
// given request's destination address and port (in both roles; the local
// address of the outbound socket is not reported).
func WriteSuccess(dialect Dialect, bound *Request) []byte {
	switch dialect {
	case DialectV4:
		out := make([]byte, 8)
		out[1] = ReplySuccessful.SOCKS4WireByte()
		binary.BigEndian.PutUint16(out[2:4], bound.DstPort)
		if ip4 := boundIPv4(bound); ip4 != nil {
			copy(out[4:8], ip4)
		}
		return out
	case DialectHTTP:
		return []byte(httpSuccessReply)
	default: // DialectV5
		return socks5Reply(ReplySuccessful.SOCKS5WireByte(), bound)
	}
}

// WriteFailure serialises a dialect-correct failure reply for the given
// error, defaulting the bind address to zero (SOCKS4/5) since no upstream
// socket was ever established.
func WriteFailure(dialect Dialect, err error) []byte {
	code := MapErrorToReplyCode(err)
	switch dialect {
	case DialectV4:
		out := make([]byte, 8)
		out[1] = code.SOCKS4WireByte()
		return out
	case DialectHTTP:
		return []byte(httpFailureReply)
	default: // DialectV5
		out := make([]byte, 10)
		out[0] = 0x05
		out[1] = code.SOCKS5WireByte()
		out[3] = 0x01 // ATYP IPv4, address/port left zero
		return out
	}
}

func boundIPv4(r *Request) net.IP {
	if r == nil || r.AddrType != AddrIPv4 || r.DstIP == nil {
		return nil
	}
	return r.DstIP.To4()
}

func socks5Reply(code byte, bound *Request) []byte {
	var atyp byte
	var addr []byte
	switch {
	case bound == nil:
		atyp = 0x01
		addr = make([]byte, 4)
	case bound.AddrType == AddrDomain:
		atyp = 0x03
		d := bound.DstDomain
		if len(d) > 255 {
			d = d[:255]
		}
		addr = append([]byte{byte(len(d))}, []byte(d)...)
	case bound.AddrType == AddrIPv6:
		atyp = 0x04
		addr = make([]byte, 16)
		copy(addr, bound.DstIP.To16())
	default:
		atyp = 0x01
		addr = make([]byte, 4)
		if ip4 := bound.DstIP.To4(); ip4 != nil {
			copy(addr, ip4)
		}
	}

	out := make([]byte, 0, 4+len(addr)+2)
	out = append(out, 0x05, code, 0x00, atyp)
	out = append(out, addr...)
	port := make([]byte, 2)
	if bound != nil {
		binary.BigEndian.PutUint16(port, bound.DstPort)
	}
	out = append(out, port...)
	return out
}

// SOCKS5NoAuthReply is the fixed two-byte response to a method negotiation
// advertising "no authentication required".
func SOCKS5NoAuthReply() []byte {
	return []byte{0x05, 0x00}
}

// MapErrorToReplyCode maps a parse, routing, or I/O error to the internal
// reply code it should surface as.
func MapErrorToReplyCode(err error) ReplyCode {
	if err == nil {
		return ReplySuccessful
	}
	switch {
	case errors.Is(err, ErrAddrTypeUnsupported), errors.Is(err, ErrUnknownCmd):
		return ReplyCmdTypeUnsupported
	case errors.Is(err, ErrNotImplemented):
		return ReplyServerError
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, ErrConnectionReset) || errors.Is(err, syscall.ECONNRESET) {
		return ReplyConnectionRefused
	}

	return ReplyServerError
}
