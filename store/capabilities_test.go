package store

import "testing"

func TestCapabilitiesGrantRevoke(t *testing.T) {
	c := NewCapabilities()
	if c.Has("alice", CapWrite) {
		t.Fatalf("fresh user should have no capabilities")
	}
	c.Grant("alice", CapWrite)
	if !c.Has("alice", CapWrite) {
		t.Fatalf("expected alice to have write after Grant")
	}
	c.Revoke("alice", CapWrite)
	if c.Has("alice", CapWrite) {
		t.Fatalf("expected alice to lose write after Revoke")
	}
}

func TestCapabilitiesReservedAndAnonymous(t *testing.T) {
	for _, u := range []string{"developer", "reader", "DEVELOPER"} {
		if !IsReserved(u) {
			t.Fatalf("%s should be reserved", u)
		}
	}
	for _, u := range []string{"anonymous", "nobody", "Anonymous"} {
		if !IsAnonymous(u) {
			t.Fatalf("%s should be anonymous", u)
		}
	}
	if IsReserved("alice") || IsAnonymous("alice") {
		t.Fatalf("alice should be neither reserved nor anonymous")
	}
}

func TestCapabilitiesSecretLookup(t *testing.T) {
	c := NewCapabilities()
	if _, ok := c.Secret("bob"); ok {
		t.Fatalf("unset secret should not be found")
	}
	c.SetSecret("bob", "s3cr3t")
	got, ok := c.Secret("bob")
	if !ok || got != "s3cr3t" {
		t.Fatalf("Secret(bob) = %q, %v", got, ok)
	}
}
