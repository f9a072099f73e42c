package socket

import (
	"testing"
	"time"
)

func pollN(mgr *Manager, n int) {
	active := make([]*Conn, 16)
	for i := 0; i < n; i++ {
		mgr.Poll(0.2, active)
	}
}

func pollUntil(t *testing.T, mgr *Manager, tries int, cond func() bool) {
	t.Helper()
	active := make([]*Conn, 16)
	for i := 0; i < tries; i++ {
		if cond() {
			return
		}
		if _, err := mgr.Poll(0.2, active); err != nil {
			t.Fatalf("Poll() error: %v", err)
		}
	}
	if !cond() {
		t.Fatalf("condition not met after %d polls", tries)
	}
}

func TestManager_TCPLoopback(t *testing.T) {
	serverSettings := DefaultSettings()
	serverSettings.Reliable = true
	serverSettings.Accepting = true
	serverSettings.Port = 19331

	server, err := Open(serverSettings)
	if err != nil {
		t.Fatalf("Open(server) error: %v", err)
	}
	defer server.Dispose()

	clientSettings := DefaultSettings()
	clientSettings.Reliable = true
	client, err := Open(clientSettings)
	if err != nil {
		t.Fatalf("Open(client) error: %v", err)
	}
	defer client.Dispose()

	clientConn, err := client.Connect("127.0.0.1", server.Port())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	accepted := make([]*Conn, 1)
	pollUntil(t, server, 10, func() bool {
		n, _ := server.Accept(accepted)
		return n == 1
	})
	serverConn := accepted[0]

	payload := []byte("hello, world!\n")
	if n := clientConn.Write(payload); n != len(payload) {
		t.Fatalf("clientConn.Write() = %d, want %d", n, len(payload))
	}

	buf := make([]byte, 64)
	var got int
	pollN(client, 5) // flush the write
	pollUntil(t, server, 10, func() bool {
		got = serverConn.Read(buf)
		return got > 0
	})
	if got != len(payload) || string(buf[:got]) != string(payload) {
		t.Fatalf("server read = %q (%d), want %q", buf[:got], got, payload)
	}

	serverConn.Dispose()

	active := make([]*Conn, 4)
	closed := false
	for i := 0; i < 6 && !closed; i++ {
		client.Poll(0.2, active)
		closed = clientConn.Closed()
	}
	if !closed {
		t.Fatal("clientConn.Closed() never became true after peer disposed")
	}
}

func TestManager_UDPHandshake(t *testing.T) {
	aSettings := DefaultSettings()
	aSettings.Reliable = false
	aSettings.Accepting = true
	aSettings.Port = 19341

	a, err := Open(aSettings)
	if err != nil {
		t.Fatalf("Open(a) error: %v", err)
	}
	defer a.Dispose()

	bSettings := DefaultSettings()
	bSettings.Reliable = false
	bSettings.Accepting = true
	bSettings.Port = 19342

	b, err := Open(bSettings)
	if err != nil {
		t.Fatalf("Open(b) error: %v", err)
	}
	defer b.Dispose()

	aConn, err := a.Connect("127.0.0.1", b.Port())
	if err != nil {
		t.Fatalf("a.Connect() error: %v", err)
	}

	pollN(a, 3)

	accepted := make([]*Conn, 1)
	pollUntil(t, b, 10, func() bool {
		n, _ := b.Accept(accepted)
		return n == 1
	})
	bConn := accepted[0]

	payload := []byte("hello, world!\n")
	if n := bConn.Write(payload); n != len(payload) {
		t.Fatalf("bConn.Write() = %d, want %d", n, len(payload))
	}

	buf := make([]byte, 64)
	var got int
	pollN(b, 5) // flush b's write
	pollUntil(t, a, 10, func() bool {
		got = aConn.Read(buf)
		return got > 0
	})
	if got != len(payload) || string(buf[:got]) != string(payload) {
		t.Fatalf("a read = %q (%d), want %q", buf[:got], got, payload)
	}
}

func TestManager_RejectsOversizedQueueConfig(t *testing.T) {
	s := DefaultSettings()
	s.Reliable = true
	s.QueueSize = 65536
	s.MaxMessageSize = 1

	if _, err := Open(s); err == nil {
		t.Fatal("Open() succeeded despite queue_size+max_message_size > 65536")
	}
}

func TestManager_RejectsAcceptingWithoutPort(t *testing.T) {
	s := DefaultSettings()
	s.Reliable = true
	s.Accepting = true

	if _, err := Open(s); err != ErrInvalidParameters {
		t.Fatalf("Open() error = %v, want ErrInvalidParameters", err)
	}
}

func TestManager_Timeout(t *testing.T) {
	serverSettings := DefaultSettings()
	serverSettings.Reliable = true
	serverSettings.Accepting = true
	serverSettings.Port = 19351
	serverSettings.Timeout = 0.1
	serverSettings.Keepalive = 0.05

	server, err := Open(serverSettings)
	if err != nil {
		t.Fatalf("Open(server) error: %v", err)
	}
	defer server.Dispose()

	clientSettings := DefaultSettings()
	clientSettings.Reliable = true
	client, err := Open(clientSettings)
	if err != nil {
		t.Fatalf("Open(client) error: %v", err)
	}
	defer client.Dispose()

	if _, err := client.Connect("127.0.0.1", server.Port()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	accepted := make([]*Conn, 1)
	pollUntil(t, server, 10, func() bool {
		n, _ := server.Accept(accepted)
		return n == 1
	})
	serverConn := accepted[0]

	time.Sleep(300 * time.Millisecond)
	active := make([]*Conn, 4)
	server.Poll(0.1, active)

	if !serverConn.Closed() {
		t.Fatal("serverConn.Closed() false after exceeding Settings.Timeout with no activity")
	}
	serverConn.Dispose()
}
