package spawnkit

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func TestPortCounterWrapsAround(t *testing.T) {
	c := newPortCounter(65535)
	if got := c.take(); got != 65535 {
		t.Fatalf("want 65535, got %d", got)
	}
	if got := c.take(); got != 1024 {
		t.Fatalf("want wraparound to 1024, got %d", got)
	}
}

func TestFindFreePortReturnsBindablePort(t *testing.T) {
	c := newPortCounter(20000)
	port, err := FindFreePort(c, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("FindFreePort failed: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("expected port %d to still be bindable: %v", port, err)
	}
	ln.Close()
}

func TestFindFreePortSkipsOccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy a port: %v", err)
	}
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	c := newPortCounter(occupied)
	port, err := FindFreePort(c, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("FindFreePort failed: %v", err)
	}
	if port == occupied {
		t.Fatalf("FindFreePort returned the already-occupied port %d", port)
	}
}

func TestFindFreePortRespectsDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy a port: %v", err)
	}
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	c := newPortCounter(occupied)
	c.next = occupied // pin the counter so every candidate collides
	_, err = FindFreePort(c, time.Now().Add(-1*time.Second))
	if err == nil {
		t.Fatalf("expected a timeout error for an already-elapsed deadline")
	}
}

func TestProbePingable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().String()

	if !ProbePingable(addr, time.Second) {
		t.Fatalf("expected %s to be pingable", addr)
	}

	closedAddr := fmt.Sprintf("127.0.0.1:%d", ln.Addr().(*net.TCPAddr).Port+1)
	if ProbePingable(closedAddr, 100*time.Millisecond) {
		t.Fatalf("expected %s to not be pingable", closedAddr)
	}
}
