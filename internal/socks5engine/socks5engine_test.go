package socks5engine

import (
	"bytes"
	"testing"

	"github.com/Hao2203/wavetun/internal/address"
	"github.com/Hao2203/wavetun/internal/socks5wire"
)

func mustIP(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatalf("address.Parse(%q) error = %v", s, err)
	}
	return a
}

// S1 — Handshake.
func TestHandshake(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	source := mustIP(t, "127.0.0.1:88")
	e := New(bind)

	n := e.HandleInput(ProtocolTCP, source, []byte{0x05, 0x01, 0x00})
	if n != 3 {
		t.Fatalf("consumed = %d, want 3", n)
	}

	tr, ok := e.PollTransmit()
	if !ok {
		t.Fatal("expected a transmit")
	}
	if tr.Proto != ProtocolTCP || !address.Equal(tr.Local, bind) || !address.Equal(tr.To, source) {
		t.Errorf("transmit = %+v", tr)
	}
	if !bytes.Equal(tr.Data, []byte{0x05, 0x00}) {
		t.Errorf("transmit data = %v, want [5 0]", tr.Data)
	}

	ev, ok := e.PollEvent()
	if !ok {
		t.Fatal("expected a Handshake event")
	}
	if _, ok := ev.(HandshakeEvent); !ok {
		t.Errorf("event = %T, want HandshakeEvent", ev)
	}

	if _, ok := e.PollTransmit(); ok {
		t.Error("unexpected extra transmit")
	}
}

// S2 — CONNECT to domain.
func TestConnectToDomain(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	source := mustIP(t, "127.0.0.1:88")
	e := New(bind)

	e.HandleInput(ProtocolTCP, source, []byte{0x05, 0x01, 0x00})
	e.PollTransmit()
	e.PollEvent()

	connectReq := []byte{0x05, 0x01, 0x00, 0x03, 0x05, 't', 'e', '.', 's', 't', 0x00, 0x50}
	n := e.HandleInput(ProtocolTCP, source, connectReq)
	if n != len(connectReq) {
		t.Fatalf("consumed = %d, want %d", n, len(connectReq))
	}

	if _, ok := e.PollTransmit(); ok {
		t.Error("expected no transmit before dial outcome is known")
	}

	ev, ok := e.PollEvent()
	if !ok {
		t.Fatal("expected a ConnectToTarget event")
	}
	connectEv, ok := ev.(ConnectToTargetEvent)
	if !ok {
		t.Fatalf("event = %T, want ConnectToTargetEvent", ev)
	}
	want := address.Domain{Name: "te.st", Port: 80}
	if !address.Equal(connectEv.Target, want) {
		t.Errorf("target = %+v, want %+v", connectEv.Target, want)
	}

	e.ConnectWithStatus(socks5wire.ReplySucceeded)

	tr, ok := e.PollTransmit()
	if !ok {
		t.Fatal("expected a transmit after ConnectWithStatus(Succeeded)")
	}
	want2 := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0, 77}
	if !bytes.Equal(tr.Data, want2) {
		t.Errorf("transmit data = %v, want %v", tr.Data, want2)
	}
	if !e.Relaying() {
		t.Error("expected engine to be Relaying after Succeeded")
	}
}

// S3 — Relay.
func TestRelay(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	source := mustIP(t, "127.0.0.1:88")
	target := mustIP(t, "10.0.0.5:80")
	e := New(bind)

	e.HandleInput(ProtocolTCP, source, []byte{0x05, 0x01, 0x00})
	e.PollTransmit()
	e.PollEvent()

	// CONNECT to target (10.0.0.5:80) as an IPv4 literal.
	raw := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 5, 0x00, 0x50}
	e.HandleInput(ProtocolTCP, source, raw)
	e.PollEvent()
	e.ConnectWithStatus(socks5wire.ReplySucceeded)
	e.PollTransmit()

	req := []byte("GET / HTTP/1.1\r\n")
	n := e.HandleInput(ProtocolTCP, source, req)
	if n != len(req) {
		t.Fatalf("consumed = %d, want %d", n, len(req))
	}
	tr, ok := e.PollTransmit()
	if !ok {
		t.Fatal("expected a transmit to the target")
	}
	if !address.Equal(tr.To, target) || !bytes.Equal(tr.Data, req) {
		t.Errorf("transmit = %+v", tr)
	}

	resp := []byte("HTTP/1.1 200 OK\r\n\r\n")
	n = e.HandleInput(ProtocolTCP, target, resp)
	if n != len(resp) {
		t.Fatalf("consumed = %d, want %d", n, len(resp))
	}
	tr2, ok := e.PollTransmit()
	if !ok {
		t.Fatal("expected a transmit back to the source")
	}
	if !address.Equal(tr2.To, source) || !bytes.Equal(tr2.Data, resp) {
		t.Errorf("transmit = %+v", tr2)
	}
}

// S5 — Unsupported method.
func TestUnsupportedMethod(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	source := mustIP(t, "127.0.0.1:88")
	e := New(bind)

	n := e.HandleInput(ProtocolTCP, source, []byte{0x05, 0x01, 0x02})
	if n == 0 {
		t.Fatal("expected bytes consumed on a decodable-but-rejected request")
	}

	if _, ok := e.PollTransmit(); ok {
		t.Error("expected no transmit on unsupported method")
	}

	ev, ok := e.PollEvent()
	if !ok {
		t.Fatal("expected an Error event")
	}
	errEv, ok := ev.(ErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want ErrorEvent", ev)
	}
	if _, ok := errEv.Err.(*UnsupportedMethodsError); !ok {
		t.Errorf("err = %T, want *UnsupportedMethodsError", errEv.Err)
	}
	if !e.Closed() {
		t.Error("expected engine to be Closed")
	}
}

func TestClose_IgnoresFurtherInput(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	source := mustIP(t, "127.0.0.1:88")
	e := New(bind)

	e.HandleInput(ProtocolTCP, source, []byte{0x05, 0x01, 0x02}) // triggers Close
	e.PollEvent()

	n := e.HandleInput(ProtocolTCP, source, []byte{0x05, 0x01, 0x00})
	if n != 0 {
		t.Errorf("consumed = %d, want 0 in Close state", n)
	}
	if _, ok := e.PollTransmit(); ok {
		t.Error("expected no transmit in Close state")
	}
	if _, ok := e.PollEvent(); ok {
		t.Error("expected no event in Close state")
	}
}

// Fragmenting the handshake + CONNECT byte stream arbitrarily must
// produce the same transmits as feeding it in one shot.
func TestHandleInput_ArbitraryFragmentation(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	source := mustIP(t, "127.0.0.1:88")

	full := []byte{0x05, 0x01, 0x00} // consult request
	full = append(full, 0x05, 0x01, 0x00, 0x01, 10, 0, 0, 5, 0x00, 0x50)

	fragmentSizes := [][]int{
		{len(full)},
		{1, 1, 1, len(full) - 3},
		{3, 4, len(full) - 7},
		{2, 1, 1, 1, 1, 1, 1, 1, 1, len(full) - 10},
	}

	var referenceData [][]byte
	for _, sizes := range fragmentSizes {
		e := New(bind)
		var buf []byte
		var transmitted [][]byte

		offset := 0
		for _, size := range sizes {
			buf = append(buf, full[offset:offset+size]...)
			offset += size

			for {
				n := e.HandleInput(ProtocolTCP, source, buf)
				for {
					tr, ok := e.PollTransmit()
					if !ok {
						break
					}
					transmitted = append(transmitted, tr.Data)
				}
				e.PollEvent()
				e.PollEvent()
				if n == 0 {
					break
				}
				buf = buf[n:]
			}
		}

		if !e.AwaitingConnect() {
			t.Fatalf("fragmentation %v: engine not in Relay{status=None} state after full input", sizes)
		}

		if referenceData == nil {
			referenceData = transmitted
		} else if len(transmitted) != len(referenceData) {
			t.Fatalf("fragmentation %v: got %d transmits, want %d", sizes, len(transmitted), len(referenceData))
		} else {
			for i := range transmitted {
				if !bytes.Equal(transmitted[i], referenceData[i]) {
					t.Errorf("fragmentation %v: transmit %d = %v, want %v", sizes, i, transmitted[i], referenceData[i])
				}
			}
		}
	}
}

func TestHandleInput_NeverConsumesIncompleteFrame(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	source := mustIP(t, "127.0.0.1:88")
	e := New(bind)

	if n := e.HandleInput(ProtocolTCP, source, []byte{0x05}); n != 0 {
		t.Errorf("consumed = %d, want 0 for incomplete consult request", n)
	}
	if n := e.HandleInput(ProtocolTCP, source, []byte{0x05, 0x01}); n != 0 {
		t.Errorf("consumed = %d, want 0 for incomplete consult request", n)
	}
}

func TestUnexpectedAddressType(t *testing.T) {
	bind := mustIP(t, "127.0.0.1:77")
	e := New(bind)

	badSource := address.Domain{Name: "not-an-ip", Port: 1}
	e.HandleInput(ProtocolTCP, badSource, []byte{0x05, 0x01, 0x00})

	ev, ok := e.PollEvent()
	if !ok {
		t.Fatal("expected an Error event")
	}
	errEv, ok := ev.(ErrorEvent)
	if !ok {
		t.Fatalf("event = %T, want ErrorEvent", ev)
	}
	if _, ok := errEv.Err.(*UnexpectedAddressTypeError); !ok {
		t.Errorf("err = %T, want *UnexpectedAddressTypeError", errEv.Err)
	}
}
