package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestReadExactIncompleteThenOK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	r := NewFrameReader(server)
	if _, err := r.ReadExact(4); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete on empty buffer, got %v", err)
	}

	go client.Write([]byte{1, 2, 3, 4})
	if err := r.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got, err := r.ReadExact(4)
	if err != nil {
		t.Fatalf("read exact: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected bytes: %v", got)
	}
}

func TestReadUntilDelimiter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	r := NewFrameReader(server)
	go client.Write([]byte("user\x00rest"))
	if err := r.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got, err := r.ReadUntil(0x00)
	if err != nil {
		t.Fatalf("read until: %v", err)
	}
	if !bytes.Equal(got, []byte("user\x00")) {
		t.Fatalf("unexpected bytes: %q", got)
	}
}

func TestReadCRLFLineBrokenLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	r := NewFrameReader(server)
	go client.Write([]byte("bad-line\rno-newline-here"))
	if err := r.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if _, err := r.ReadCRLFLine(); !errors.Is(err, ErrBrokenLine) {
		t.Fatalf("expected ErrBrokenLine, got %v", err)
	}
}

func TestReadU128BECorrectByteWidth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ipv6 := make([]byte, 16)
	for i := range ipv6 {
		ipv6[i] = byte(i)
	}
	r := NewFrameReader(server)
	go client.Write(ipv6)
	if err := r.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got, err := r.ReadU128BE()
	if err != nil {
		t.Fatalf("read u128: %v", err)
	}
	if !bytes.Equal(got, ipv6) {
		t.Fatalf("unexpected bytes: %v", got)
	}
	// exactly 16 bytes must be consumed, not 128.
	if len(r.RawConsumed()) != 16 {
		t.Fatalf("expected 16 bytes consumed, got %d", len(r.RawConsumed()))
	}
}

func TestMarkAndResetRollsBack(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	r := NewFrameReader(server)
	go client.Write([]byte{1, 2, 3})
	if err := r.Fill(); err != nil {
		t.Fatalf("fill: %v", err)
	}
	m := r.mark()
	if _, err := r.ReadU8(); err != nil {
		t.Fatalf("read u8: %v", err)
	}
	r.reset(m)
	got, err := r.ReadExact(3)
	if err != nil {
		t.Fatalf("read exact after reset: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("reset did not restore consumed byte: %v", got)
	}
}
