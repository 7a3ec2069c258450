package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		digit byte
		want  Class
	}{
		{'1', ClassWraith},
		{'3', ClassWraith},
		{'5', ClassWraith},
		{'7', ClassWraith},
		{'9', ClassWraith},
		{'2', ClassManager},
		{'4', ClassManager},
		{'6', ClassManager},
		{'8', ClassManager},
		{'0', ClassUnknown},
		{'a', ClassUnknown},
		{'W', ClassUnknown},
		{' ', ClassUnknown},
		{0x00, ClassUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.digit); got != tc.want {
			t.Fatalf("Classify(%q) = %v, want %v", tc.digit, got, tc.want)
		}
	}
}

func TestParseHeader(t *testing.T) {
	hdr, rest, err := ParseHeader([]byte("W_30payload"), "W_")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Class != ClassWraith {
		t.Fatalf("class = %v, want wraith", hdr.Class)
	}
	if hdr.Version != '0' {
		t.Fatalf("version = %q, want '0'", hdr.Version)
	}
	if string(rest) != "payload" {
		t.Fatalf("rest = %q", rest)
	}
}

func TestParseHeaderManager(t *testing.T) {
	hdr, _, err := ParseHeader([]byte("W_40x"), "W_")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Class != ClassManager {
		t.Fatalf("class = %v, want manager", hdr.Class)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	cases := []struct {
		body string
		want error
	}{
		{"", ErrTruncated},
		{"W_", ErrTruncated},
		{"W_3", ErrTruncated},
		{"X_30payload", ErrBadPrefix},
		{"W_00payload", ErrBadClassDigit},
		{"W_z0payload", ErrBadClassDigit},
	}
	for _, tc := range cases {
		_, _, err := ParseHeader([]byte(tc.body), "W_")
		if !errors.Is(err, tc.want) {
			t.Fatalf("ParseHeader(%q) error = %v, want %v", tc.body, err, tc.want)
		}
	}
}

func TestParseHeaderCustomPrefix(t *testing.T) {
	hdr, rest, err := ParseHeader([]byte("LONGPREFIX_10data"), "LONGPREFIX_")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Class != ClassWraith || string(rest) != "data" {
		t.Fatalf("unexpected parse: %+v %q", hdr, rest)
	}
}

func TestBuildHeaderRoundTrips(t *testing.T) {
	for i := 0; i < 50; i++ {
		for _, class := range []Class{ClassWraith, ClassManager} {
			body := BuildHeader("W_", class, '0') + "envelope"
			hdr, rest, err := ParseHeader([]byte(body), "W_")
			if err != nil {
				t.Fatalf("built header failed to parse: %v", err)
			}
			if hdr.Class != class {
				t.Fatalf("class digit mapped to %v, want %v", hdr.Class, class)
			}
			if string(rest) != "envelope" {
				t.Fatalf("rest = %q", rest)
			}
		}
	}
}

func TestBuildHeaderDigitVaries(t *testing.T) {
	seen := map[byte]bool{}
	for i := 0; i < 200; i++ {
		h := BuildHeader("W_", ClassWraith, '0')
		seen[h[2]] = true
	}
	if len(seen) < 2 {
		t.Fatal("class digit should vary across requests")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("amd64", "host-a", "linux", "root")
	b := Fingerprint("amd64", "host-a", "linux", "root")
	if a != b {
		t.Fatal("same inputs must produce the same fingerprint")
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Fatalf("fingerprint should be lowercase hex sha256, got %q", a)
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Concatenation-ambiguous inputs must not collide: the delimiter keeps
	// ("ab","c") distinct from ("a","bc").
	a := Fingerprint("ab", "c", "linux", "root")
	b := Fingerprint("a", "bc", "linux", "root")
	if a == b {
		t.Fatal("field boundaries must be preserved")
	}
	if Fingerprint("amd64", "host-a", "linux", "root") == Fingerprint("amd64", "host-b", "linux", "root") {
		t.Fatal("different hosts must differ")
	}
}
