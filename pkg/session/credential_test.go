package session_test

import (
	"testing"

	"github.com/e2echat/relay/pkg/session"
)

func TestParseSessionRef(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want session.SessionRef
	}{
		{
			name: "bare session id",
			raw:  "abc123",
			want: session.SessionRef{ID: "abc123"},
		},
		{
			name: "regular auth key",
			raw:  "abc123:k9f2",
			want: session.SessionRef{
				ID:         "abc123",
				Credential: session.Credential{Kind: session.CredentialAuthKey, Secret: "k9f2"},
			},
		},
		{
			name: "password room creator combined secret",
			raw:  "abc123:k9f2:cGFzcw==",
			want: session.SessionRef{
				ID:         "abc123",
				Credential: session.Credential{Kind: session.CredentialAuthKey, Secret: "k9f2:cGFzcw=="},
			},
		},
		{
			name: "password room joiner",
			raw:  "abc123:password:cGFzcw==",
			want: session.SessionRef{
				ID:         "abc123",
				Credential: session.Credential{Kind: session.CredentialPassword, Secret: "cGFzcw=="},
			},
		},
		{
			name: "trailing empty segment is no credential",
			raw:  "abc123:",
			want: session.SessionRef{ID: "abc123"},
		},
		{
			name: "password keyword without hash is a plain auth key",
			raw:  "abc123:password",
			want: session.SessionRef{
				ID:         "abc123",
				Credential: session.Credential{Kind: session.CredentialAuthKey, Secret: "password"},
			},
		},
	}

	for _, tc := range cases {
		got := session.ParseSessionRef(tc.raw)
		if got != tc.want {
			t.Errorf("%s: ParseSessionRef(%q) = %+v, want %+v", tc.name, tc.raw, got, tc.want)
		}
	}
}

func TestPasswordHashOf(t *testing.T) {
	if got := session.PasswordHashOf("rand:cGFzcw=="); got != "cGFzcw==" {
		t.Errorf("expected password component, got %q", got)
	}
	if got := session.PasswordHashOf("plain-key"); got != "" {
		t.Errorf("expected empty component for a plain secret, got %q", got)
	}
}
