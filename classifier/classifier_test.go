package classifier

import (
	"reflect"
	"testing"
)

func buildPolicy() Policy {
	return Policy{
		AllowedActions: []string{"build", "test"},
		AllowedFlags:   []string{"-workspace", "-scheme", "-destination", "-configuration"},
		DeniedActions:  []string{"archive", "install"},
		Workspace:      "MyApp.xcworkspace",
		Scheme:         "MyApp",
	}
}

// spec.md §8 scenario 1: classifier accepts build.
func TestClassifyAcceptsBuild(t *testing.T) {
	c := New(buildPolicy())
	argv := []string{"build", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp"}

	result := c.Classify(argv)

	if !result.Accepted {
		t.Fatalf("expected acceptance, got reasons: %v", result.RejectionReasonStrings())
	}
	if result.Action != "build" {
		t.Fatalf("action = %q, want build", result.Action)
	}
	want := []string{"build", "-scheme", "MyApp", "-workspace", "MyApp.xcworkspace"}
	if !reflect.DeepEqual(result.SanitizedArgv, want) {
		t.Fatalf("sanitized argv = %v, want %v", result.SanitizedArgv, want)
	}
}

// spec.md §8 scenario 2: classifier rejects archive.
func TestClassifyRejectsDeniedAction(t *testing.T) {
	c := New(buildPolicy())
	argv := []string{"archive", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp"}

	result := c.Classify(argv)

	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	found := false
	for _, r := range result.RejectionReasons {
		if r.Type == ReasonDeniedAction && r.Detail == "archive" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected DeniedAction(archive), got %v", result.RejectionReasonStrings())
	}
}

func TestClassifyRejectsUnknownAction(t *testing.T) {
	c := New(buildPolicy())
	result := c.Classify([]string{"analyze", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp"})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.RejectionReasons[0].Type != ReasonUnknownAction {
		t.Fatalf("got %v", result.RejectionReasonStrings())
	}
}

func TestClassifyRejectsUnknownFlag(t *testing.T) {
	c := New(buildPolicy())
	result := c.Classify([]string{"build", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp", "-derivedDataPath", "/tmp/dd"})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.RejectionReasons[0].Type != ReasonUnknownFlag {
		t.Fatalf("got %v", result.RejectionReasonStrings())
	}
}

func TestClassifySchemeMismatch(t *testing.T) {
	c := New(buildPolicy())
	result := c.Classify([]string{"build", "-workspace", "MyApp.xcworkspace", "-scheme", "OtherScheme"})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	found := false
	for _, r := range result.RejectionReasons {
		if r.Type == ReasonSchemeMismatch && r.Expected == "MyApp" && r.Actual == "OtherScheme" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SchemeMismatch, got %v", result.RejectionReasonStrings())
	}
}

func TestClassifyMissingRequiredFlags(t *testing.T) {
	c := New(buildPolicy())
	result := c.Classify([]string{"build"})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	var types []ReasonType
	for _, r := range result.RejectionReasons {
		types = append(types, r.Type)
	}
	wantWorkspace, wantScheme := false, false
	for _, r := range result.RejectionReasons {
		if r.Type == ReasonMissingRequiredFlag && r.Detail == "-workspace" {
			wantWorkspace = true
		}
		if r.Type == ReasonMissingRequiredFlag && r.Detail == "-scheme" {
			wantScheme = true
		}
	}
	if !wantWorkspace || !wantScheme {
		t.Fatalf("expected missing -workspace and -scheme, got %v", types)
	}
}

func TestClassifyAccumulatesAllFailures(t *testing.T) {
	c := New(buildPolicy())
	// denied action AND an unknown flag AND a scheme mismatch all at once.
	result := c.Classify([]string{"archive", "-scheme", "Other", "-bogus"})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if len(result.RejectionReasons) < 3 {
		t.Fatalf("expected accumulated failures, got %v", result.RejectionReasonStrings())
	}
}

func TestClassifyProjectMutuallyExclusiveWithWorkspace(t *testing.T) {
	policy := buildPolicy()
	policy.Workspace = ""
	policy.Project = "MyApp.xcodeproj"
	policy.AllowedFlags = append(policy.AllowedFlags, "-project")
	c := New(policy)

	result := c.Classify([]string{"build", "-project", "MyApp.xcodeproj", "-scheme", "MyApp"})
	if !result.Accepted {
		t.Fatalf("expected acceptance, got %v", result.RejectionReasonStrings())
	}
}

func TestClassifyConfigurationAllowlist(t *testing.T) {
	policy := buildPolicy()
	policy.AllowedConfigurations = []string{"Debug", "Release"}
	c := New(policy)

	result := c.Classify([]string{"build", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp", "-configuration", "Nightly"})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.RejectionReasons[0].Type != ReasonConfigurationNotAllowed {
		t.Fatalf("got %v", result.RejectionReasonStrings())
	}
}

func TestClassifyDestinationMismatch(t *testing.T) {
	policy := buildPolicy()
	policy.Destination = "platform=iOS Simulator,name=iPhone 16"
	c := New(policy)

	result := c.Classify([]string{
		"build", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp",
		"-destination", "platform=iOS Simulator,name=iPhone 15",
	})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	found := false
	for _, r := range result.RejectionReasons {
		if r.Type == ReasonDestinationMismatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected DestinationMismatch, got %v", result.RejectionReasonStrings())
	}
}

// spec.md §8 quantified invariant: classifier is deterministic.
func TestClassifyIsDeterministic(t *testing.T) {
	c := New(buildPolicy())
	argv := []string{"build", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp", "-destination", "platform=iOS"}

	first := c.Classify(argv)
	for i := 0; i < 5; i++ {
		again := c.Classify(argv)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("classify not deterministic on iteration %d: %+v != %+v", i, first, again)
		}
	}
}

func TestParseArgvBuildSettingHasNoValue(t *testing.T) {
	c := New(buildPolicy())
	result := c.Classify([]string{"build", "-workspace", "MyApp.xcworkspace", "-scheme", "MyApp", "CODE_SIGNING_ALLOWED=NO"})
	// CODE_SIGNING_ALLOWED=NO parses as an unknown flag with no value, so it's rejected.
	if result.Accepted {
		t.Fatalf("expected rejection for unknown build-setting flag")
	}
}

func TestParseArgvMultipleActionsIsParseError(t *testing.T) {
	c := New(buildPolicy())
	result := c.Classify([]string{"build", "test", "-scheme", "MyApp"})
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.RejectionReasons[0].Type != ReasonParseError {
		t.Fatalf("got %v", result.RejectionReasonStrings())
	}
}
