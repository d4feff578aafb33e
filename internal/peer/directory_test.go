package peer

import (
	"context"
	"testing"

	"github.com/Hao2203/wavetun/internal/identity"
	"github.com/Hao2203/wavetun/internal/transport"
)

func TestDirectory_SetLookupRemove(t *testing.T) {
	d := NewDirectory()
	id, err := identity.NewNodeId()
	if err != nil {
		t.Fatalf("NewNodeId() error = %v", err)
	}

	if _, ok := d.Lookup(id); ok {
		t.Fatal("Lookup on empty directory should miss")
	}

	d.Set(id, "127.0.0.1:5000")
	addr, ok := d.Lookup(id)
	if !ok || addr != "127.0.0.1:5000" {
		t.Errorf("Lookup() = (%q, %v), want (127.0.0.1:5000, true)", addr, ok)
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}

	d.Remove(id)
	if _, ok := d.Lookup(id); ok {
		t.Error("Lookup after Remove should miss")
	}
}

func TestDialer_UnknownPeer(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	dialer := NewDialer(kp, transport.NewQUICTransport(), NewDirectory())

	remote, _ := identity.NewNodeId()
	_, err = dialer.Dial(context.Background(), remote)
	if err == nil {
		t.Fatal("Dial() to unknown peer should fail")
	}
}
