package netutil

import (
	"net"
	"testing"
)

func TestSelectBindAddrPreferredFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	got, err := SelectBindAddr(addr, nil, false)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != addr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, addr)
	}
}

func TestSelectBindAddrFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	defer func() { _ = busy.Close() }()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free: %v", err)
	}
	freeAddr := free.Addr().String()
	_ = free.Close()

	got, err := SelectBindAddr(busy.Addr().String(), []string{busy.Addr().String(), freeAddr}, true)
	if err != nil {
		t.Fatalf("SelectBindAddr() error = %v", err)
	}
	if got != freeAddr {
		t.Fatalf("SelectBindAddr() = %q, want %q", got, freeAddr)
	}
}

func TestFallbackAddrs(t *testing.T) {
	got := FallbackAddrs("127.0.0.1:8190", 3)
	want := []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"}
	if len(got) != len(want) {
		t.Fatalf("FallbackAddrs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FallbackAddrs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := FallbackAddrs("no-port", 3); got != nil {
		t.Fatalf("FallbackAddrs(no-port) = %v, want nil", got)
	}
}

func TestPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if !PortInUse("127.0.0.1", port) {
		t.Fatalf("PortInUse(%d) = false, want true", port)
	}
	_ = ln.Close()
	if PortInUse("127.0.0.1", port) {
		t.Fatalf("PortInUse(%d) after close = true, want false", port)
	}
}
