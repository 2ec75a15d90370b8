package namegen

import "testing"

func TestDisplayNameForIsDeterministic(t *testing.T) {
	id := "11111111-1111-1111-1111-111111111111"
	a := DisplayNameFor(id)
	b := DisplayNameFor(id)
	if a != b {
		t.Fatalf("DisplayNameFor(%q) not stable: %q != %q", id, a, b)
	}
}

func TestDisplayNameForVariesByClientID(t *testing.T) {
	a := DisplayNameFor("client-a")
	b := DisplayNameFor("client-b")
	if a == b {
		t.Fatalf("distinct client ids produced the same display name: %q", a)
	}
}
