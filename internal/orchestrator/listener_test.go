package orchestrator

import (
	"net"
	"testing"
	"time"
)

func TestListenerAcceptsAndServesConnections(t *testing.T) {
	originAddr := startEchoOrigin(t)
	tcpAddr := originAddr.(*net.TCPAddr)
	store := storeWithDirectCIDR(t, "127.0.0.1/32")

	l := NewListener(ListenerConfig{
		Address: "127.0.0.1:0",
		Store:   store,
	})
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	req := []byte{0x04, 0x01, byte(tcpAddr.Port >> 8), byte(tcpAddr.Port), 127, 0, 0, 1, 0x00}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, 8)
	if _, err := readFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x00 || reply[1] != 0x5a {
		t.Fatalf("unexpected reply: %x", reply)
	}
}

func TestListenerStartTwiceFails(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0"})
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	if err := l.Start(); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}

func TestListenerStopIsIdempotent(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0"})
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
