package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ParseError carries the dialect known at the point of failure (so a
// dialect-correct error reply can still be written) and the raw bytes
// consumed before the failure was detected.
type ParseError struct {
	Err     error
	Dialect Dialect
	Raw     []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s (dialect=%s)", e.Err, e.Dialect)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RequestParser consumes bytes from a FrameReader and yields either a
// SOCKS5 AuthRequest or a canonical Request, dispatching on the first byte
// of the frame.
type RequestParser struct {
	r *FrameReader
}

// NewRequestParser builds a parser over the given connection.
func NewRequestParser(conn net.Conn) *RequestParser {
	return &RequestParser{r: NewFrameReader(conn)}
}

// Parse reads one frame, retrying against more data on ErrIncomplete until
// a full frame parses, a terminal error occurs, or the read times out /
// resets. authorized reflects whether the SOCKS5 method negotiation has
// already completed for this connection.
func (p *RequestParser) Parse(authorized bool) (*AuthRequest, *Request, error) {
	p.r.ResetRaw()
	for {
		mark := p.r.mark()
		auth, req, err := p.tryParse(authorized)
		if err == nil {
			return auth, req, nil
		}
		if errors.Is(err, ErrIncomplete) {
			p.r.reset(mark)
			if ferr := p.r.Fill(); ferr != nil {
				return nil, nil, ferr
			}
			continue
		}
		return nil, nil, err
	}
}

func (p *RequestParser) tryParse(authorized bool) (*AuthRequest, *Request, error) {
	p.r.ResetRaw()
	first, err := p.r.ReadU8()
	if err != nil {
		return nil, nil, err
	}
	switch {
	case first == 0x04:
		req, err := p.parseSocks4()
		return nil, req, err
	case first == 0x05 && !authorized:
		auth, err := p.parseSocks5Auth()
		return auth, nil, err
	case first == 0x05 && authorized:
		req, err := p.parseSocks5Request()
		return nil, req, err
	case first == 'C':
		req, err := p.parseHTTPConnect()
		return nil, req, err
	default:
		return nil, nil, &ParseError{
			Err:     fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, first),
			Dialect: DialectV5,
			Raw:     p.r.RawConsumed(),
		}
	}
}

func cmdFromByte(b byte) RequestCmd {
	switch b {
	case 1:
		return CmdConnect
	case 2:
		return CmdBind
	case 3:
		return CmdUDP
	default:
		return cmdUnknown
	}
}

func (p *RequestParser) parseSocks4() (*Request, error) {
	cmdByte, err := p.r.ReadU8()
	if err != nil {
		return nil, err
	}
	port, err := p.r.ReadU16BE()
	if err != nil {
		return nil, err
	}
	ipv4, err := p.r.ReadU32BE()
	if err != nil {
		return nil, err
	}
	if _, err := p.r.ReadUntil(0x00); err != nil { // USERID, ignored
		return nil, err
	}

	req := &Request{
		Dialect:  DialectV4,
		Cmd:      cmdFromByte(cmdByte),
		AddrType: AddrIPv4,
		DstPort:  port,
	}

	// SOCKS4a domain form: 0.0.0.x (x != 0) signals a NUL-terminated
	// domain follows the userid field, itself already consumed above.
	if ipv4>>24 == 0 && (ipv4>>16)&0xff == 0 && (ipv4>>8)&0xff == 0 && ipv4&0xff != 0 {
		domainBytes, err := p.r.ReadUntil(0x00)
		if err != nil {
			return nil, err
		}
		req.AddrType = AddrDomain
		req.DstDomain = string(domainBytes[:len(domainBytes)-1])
	} else {
		ip := make(net.IP, 4)
		ip[0] = byte(ipv4 >> 24)
		ip[1] = byte(ipv4 >> 16)
		ip[2] = byte(ipv4 >> 8)
		ip[3] = byte(ipv4)
		req.DstIP = ip
	}

	if req.Cmd == cmdUnknown {
		return nil, &ParseError{Err: ErrUnknownCmd, Dialect: DialectV4, Raw: p.r.RawConsumed()}
	}
	req.Raw = p.r.RawConsumed()
	return req, nil
}

func (p *RequestParser) parseSocks5Auth() (*AuthRequest, error) {
	n, err := p.r.ReadU8()
	if err != nil {
		return nil, err
	}
	methods, err := p.r.ReadExact(int(n))
	if err != nil {
		return nil, err
	}
	return &AuthRequest{Methods: methods}, nil
}

func (p *RequestParser) parseSocks5Request() (*Request, error) {
	cmdByte, err := p.r.ReadU8()
	if err != nil {
		return nil, err
	}
	if _, err := p.r.ReadU8(); err != nil { // RSV, ignored
		return nil, err
	}
	atype, err := p.r.ReadU8()
	if err != nil {
		return nil, err
	}

	req := &Request{Dialect: DialectV5, Cmd: cmdFromByte(cmdByte)}

	switch atype {
	case 1:
		b, err := p.r.ReadExact(4)
		if err != nil {
			return nil, err
		}
		req.AddrType = AddrIPv4
		req.DstIP = net.IP(b)
	case 3:
		l, err := p.r.ReadU8()
		if err != nil {
			return nil, err
		}
		b, err := p.r.ReadExact(int(l))
		if err != nil {
			return nil, err
		}
		req.AddrType = AddrDomain
		req.DstDomain = string(b)
	case 4:
		b, err := p.r.ReadU128BE()
		if err != nil {
			return nil, err
		}
		req.AddrType = AddrIPv6
		req.DstIP = net.IP(b)
	default:
		return nil, &ParseError{Err: ErrAddrTypeUnsupported, Dialect: DialectV5, Raw: p.r.RawConsumed()}
	}

	port, err := p.r.ReadU16BE()
	if err != nil {
		return nil, err
	}
	req.DstPort = port

	if req.Cmd == cmdUnknown {
		return nil, &ParseError{Err: ErrUnknownCmd, Dialect: DialectV5, Raw: p.r.RawConsumed()}
	}
	req.Raw = p.r.RawConsumed()
	return req, nil
}

// parseHTTPConnect parses "CONNECT host[:port] HTTP/1.1" followed by header
// lines up to a blank line. The leading 'C' was already consumed by
// tryParse and is re-prepended before splitting the request line.
func (p *RequestParser) parseHTTPConnect() (*Request, error) {
	restOfLine, err := p.r.ReadCRLFLine()
	if err != nil {
		if errors.Is(err, ErrBrokenLine) {
			return nil, &ParseError{Err: ErrBrokenLine, Dialect: DialectHTTP, Raw: p.r.RawConsumed()}
		}
		return nil, err
	}
	line := "C" + string(restOfLine)

	for {
		hdr, err := p.r.ReadCRLFLine()
		if err != nil {
			if errors.Is(err, ErrBrokenLine) {
				return nil, &ParseError{Err: ErrBrokenLine, Dialect: DialectHTTP, Raw: p.r.RawConsumed()}
			}
			return nil, err
		}
		if len(hdr) == 0 {
			break
		}
		if name, _, ok := strings.Cut(string(hdr), ":"); ok {
			if !httpguts.ValidHeaderFieldName(strings.TrimSpace(name)) {
				return nil, &ParseError{Err: ErrBadRequest, Dialect: DialectHTTP, Raw: p.r.RawConsumed()}
			}
		}
	}

	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != "CONNECT" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, &ParseError{Err: ErrBadRequest, Dialect: DialectHTTP, Raw: p.r.RawConsumed()}
	}

	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		host = parts[1]
		portStr = "80"
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, &ParseError{Err: ErrBadRequest, Dialect: DialectHTTP, Raw: p.r.RawConsumed()}
	}

	req := &Request{
		Dialect: DialectHTTP,
		Cmd:     CmdConnect,
		DstPort: uint16(port),
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req.AddrType = AddrIPv4
			req.DstIP = ip4
		} else {
			req.AddrType = AddrIPv6
			req.DstIP = ip
		}
	} else {
		req.AddrType = AddrDomain
		req.DstDomain = host
	}
	req.Raw = p.r.RawConsumed()
	return req, nil
}
