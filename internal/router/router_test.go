package router

import (
	"net"
	"testing"
)

func TestFindHost(t *testing.T) {
	b := NewBuilder().
		Add("api", HostIP{Addr: net.ParseIP("10.0.0.1")}).
		Add("web", HostDomain{Name: "internal.example"})
	r := New(b)

	host, ok := r.FindHost("api")
	if !ok {
		t.Fatal("FindHost(api) missing")
	}
	if ip, ok := host.(HostIP); !ok || !ip.Addr.Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("FindHost(api) = %+v", host)
	}

	host, ok = r.FindHost("web")
	if !ok {
		t.Fatal("FindHost(web) missing")
	}
	if d, ok := host.(HostDomain); !ok || d.Name != "internal.example" {
		t.Errorf("FindHost(web) = %+v", host)
	}

	if _, ok := r.FindHost("missing"); ok {
		t.Error("FindHost(missing) should miss")
	}
}

func TestEmptySubdomainIsDefaultRoute(t *testing.T) {
	b := NewBuilder().Add("", HostIP{Addr: net.ParseIP("127.0.0.1")})
	r := New(b)

	host, ok := r.FindHost("")
	if !ok {
		t.Fatal("FindHost(\"\") missing")
	}
	if ip, ok := host.(HostIP); !ok || !ip.Addr.Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("FindHost(\"\") = %+v", host)
	}
}

func TestReload_OldSnapshotStillValidForInFlightReaders(t *testing.T) {
	b1 := NewBuilder().Add("api", HostIP{Addr: net.ParseIP("10.0.0.1")})
	r := New(b1)

	oldHost, ok := r.FindHost("api")
	if !ok {
		t.Fatal("FindHost(api) missing before reload")
	}

	b2 := NewBuilder().Add("api", HostIP{Addr: net.ParseIP("10.0.0.2")})
	r.Reload(b2)

	newHost, ok := r.FindHost("api")
	if !ok {
		t.Fatal("FindHost(api) missing after reload")
	}
	if oldHost.String() == newHost.String() {
		t.Error("expected reload to change the route")
	}
	if newHost.String() != "10.0.0.2" {
		t.Errorf("FindHost(api) after reload = %v, want 10.0.0.2", newHost)
	}
}

func TestEmpty(t *testing.T) {
	r := Empty()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if _, ok := r.FindHost("anything"); ok {
		t.Error("FindHost on empty router should always miss")
	}
}
