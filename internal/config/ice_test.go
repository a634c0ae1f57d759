package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("server 0 urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "u" {
		t.Errorf("server 1 username = %q", servers[1].Username)
	}
	if cred, _ := servers[1].Credential.(string); cred != "c" {
		t.Errorf("server 1 credential = %v", servers[1].Credential)
	}
}

func TestParseICEServersJSONRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{`, "unexpected end"},
		{"bad scheme", `[{"urls": "http://example.com"}]`, "unsupported url scheme"},
		{"turn without creds", `[{"urls": "turn:t.example.com"}]`, "username"},
		{"empty urls", `[{"urls": []}]`, "missing urls"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tc.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestParseICEServersConvenienceEnv(t *testing.T) {
	servers, err := parseICEServersFromValues("",
		"stun:a.example.com, stun:b.example.com",
		"turn:t.example.com",
		"user", "pass")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Errorf("turn username = %q", servers[1].Username)
	}

	if _, err := parseICEServersFromValues("", "", "turn:t.example.com", "", ""); err == nil {
		t.Fatalf("turn without credentials should fail")
	}
}

func TestICEServersJSONTakesPrecedence(t *testing.T) {
	servers, err := parseICEServersFromValues(
		`[{"urls": "stun:json.example.com"}]`,
		"stun:env.example.com", "", "", "")
	if err != nil {
		t.Fatalf("parseICEServersFromValues: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("servers = %v, want JSON value to win", servers)
	}
}
