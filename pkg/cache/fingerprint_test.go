package cache

import "testing"

func TestFingerprintDeterminism(t *testing.T) {
	input := FingerprintInput{
		PlanBytes: []byte(`{"plan":"content"}`),
		Modules:   []string{"command@1.0.0", "copy@1.0.0"},
		Triple:    "linux/amd64/gnu",
		Flags:     []string{"-trimpath", "-ldflags=-s -w"},
	}
	if Fingerprint(input) != Fingerprint(input) {
		t.Fatal("Expected identical inputs to produce identical fingerprints")
	}
}

func TestFingerprintOrderIndependence(t *testing.T) {
	a := FingerprintInput{
		PlanBytes: []byte("plan"),
		Modules:   []string{"copy@1.0.0", "command@1.0.0"},
		Flags:     []string{"-b", "-a"},
		Triple:    "linux/amd64/gnu",
	}
	b := FingerprintInput{
		PlanBytes: []byte("plan"),
		Modules:   []string{"command@1.0.0", "copy@1.0.0"},
		Flags:     []string{"-a", "-b"},
		Triple:    "linux/amd64/gnu",
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("Expected list order not to affect the fingerprint")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := FingerprintInput{
		PlanBytes: []byte("plan"),
		Modules:   []string{"command@1.0.0"},
		Triple:    "linux/amd64/gnu",
		Flags:     []string{"-trimpath"},
	}
	variants := []FingerprintInput{
		{PlanBytes: []byte("plan2"), Modules: base.Modules, Triple: base.Triple, Flags: base.Flags},
		{PlanBytes: base.PlanBytes, Modules: []string{"command@1.0.1"}, Triple: base.Triple, Flags: base.Flags},
		{PlanBytes: base.PlanBytes, Modules: base.Modules, Triple: "linux/arm64/gnu", Flags: base.Flags},
		{PlanBytes: base.PlanBytes, Modules: base.Modules, Triple: base.Triple, Flags: []string{"-trimpath", "-race"}},
	}

	want := Fingerprint(base)
	for i, v := range variants {
		if Fingerprint(v) == want {
			t.Fatalf("Expected variant %d to change the fingerprint", i)
		}
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Length prefixes keep adjacent fields from being confused.
	a := Fingerprint(FingerprintInput{PlanBytes: []byte("ab"), Triple: "c"})
	b := Fingerprint(FingerprintInput{PlanBytes: []byte("a"), Triple: "bc"})
	if a == b {
		t.Fatal("Expected field boundaries to be unambiguous")
	}
}
