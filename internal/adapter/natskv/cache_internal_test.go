package natskv

import (
	"regexp"
	"testing"
)

var validKVKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tenant:org:acme", "tenant.org.acme"},
		{"tenant:id:7f3c-91", "tenant.id.7f3c-91"},
		{"members:auth0|123", "members.=YXV0aDB8MTIz"},
		{"members:a@b.io", "members.=YUBiLmlv"},
		{"tenant:org:", "tenant.org.="},
		{"grants:=x", "grants.=PXg"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := encodeKey(tt.in)
			if got != tt.want {
				t.Errorf("encodeKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if !validKVKey.MatchString(got) {
				t.Errorf("encodeKey(%q) = %q is not a valid KV key", tt.in, got)
			}
		})
	}
}

func TestEncodeKey_Distinct(t *testing.T) {
	keys := []string{
		"members:a.b", "members:a:b", "members:a_b", "members:=YS5i",
		"members:", "members:=",
	}
	seen := map[string]string{}
	for _, k := range keys {
		enc := encodeKey(k)
		if prev, ok := seen[enc]; ok {
			t.Fatalf("%q and %q both encode to %q", prev, k, enc)
		}
		seen[enc] = k
	}
}
