package protocol

import (
	"bufio"
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestWriteLineReadLineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{ProtocolVersion: 3, Op: OpSubmit, RequestID: "r-1"}

	if err := WriteLine(&buf, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("expected newline-terminated line")
	}

	var got Request
	if err := ReadLine(bufio.NewReader(&buf), &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, req) {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestCopyStreamExactLength(t *testing.T) {
	payload := []byte("exactly eleven bytes of trailing junk beyond the declared length")
	meta := StreamMeta{ContentLength: 11}

	var out bytes.Buffer
	if err := CopyStream(&out, bytes.NewReader(payload), meta); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if out.String() != "exactly ele" {
		t.Fatalf("copied %q, want first 11 bytes", out.String())
	}
}

func TestProtocolRangeIntersect(t *testing.T) {
	cases := []struct {
		name    string
		a, b    ProtocolRange
		want    ProtocolRange
		wantOK  bool
	}{
		{"overlap", ProtocolRange{1, 5}, ProtocolRange{3, 8}, ProtocolRange{3, 5}, true},
		{"identical", ProtocolRange{2, 2}, ProtocolRange{2, 2}, ProtocolRange{2, 2}, true},
		{"disjoint", ProtocolRange{1, 2}, ProtocolRange{3, 4}, ProtocolRange{}, false},
		{"contains", ProtocolRange{1, 10}, ProtocolRange{4, 6}, ProtocolRange{4, 6}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.a.Intersect(tc.b)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.want {
				t.Fatalf("intersect = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestArtifactsCommitTripleExcludesExactlyThree(t *testing.T) {
	if len(ArtifactsCommitTriple) != 3 {
		t.Fatalf("expected exactly 3 commit-marker files, got %d", len(ArtifactsCommitTriple))
	}
	for _, name := range []string{"manifest.json", "attestation.json", "job_index.json"} {
		if !ArtifactsCommitTriple[name] {
			t.Fatalf("expected %s in commit triple", name)
		}
	}
}
