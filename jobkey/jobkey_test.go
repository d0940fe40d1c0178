package jobkey

import (
	"testing"

	"github.com/paulrobinshaw/rch-xcode/destination"
	"github.com/paulrobinshaw/rch-xcode/toolchain"
)

func sampleInputs() Inputs {
	return New(
		"deadbeef",
		[]string{"build", "-scheme", "App"},
		toolchain.Identity{XcodeBuild: "15C500b", MacOSVersion: "14.5", MacOSBuild: "23F79", Arch: "arm64"},
		destination.Resolved{Platform: "iOS Simulator", Name: "iPhone 16", OSVersion: "18.0", Provisioning: destination.ProvisioningExisting},
	)
}

func TestDeriveIsDeterministic(t *testing.T) {
	a, bytesA, err := Derive(sampleInputs())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, bytesB, err := Derive(sampleInputs())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Fatalf("job_key not deterministic: %s != %s", a, b)
	}
	if string(bytesA) != string(bytesB) {
		t.Fatalf("canonical bytes not deterministic")
	}
}

func TestDeriveChangesWithInputs(t *testing.T) {
	base := sampleInputs()
	keyA, _, err := Derive(base)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	changed := base
	changed.SourceSHA256 = "feedface"
	keyB, _, err := Derive(changed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if keyA == keyB {
		t.Fatalf("expected different job_key for different source_sha256")
	}
}
