package util

import "testing"

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bearer token",
			in:   `search: 401 unauthorized (Authorization: Bearer abc123def)`,
			want: `search: 401 unauthorized (Authorization: Bearer <redacted>)`,
		},
		{
			name: "api key kv",
			in:   `request failed: api_key=sk-live-12345 rejected`,
			want: `request failed: <redacted_kv> rejected`,
		},
		{
			name: "token kv with colon",
			in:   `config: token: hunter2`,
			want: `config: <redacted_kv>`,
		},
		{
			name: "nothing to redact",
			in:   "plain error text",
			want: "plain error text",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactSecrets(tt.in); got != tt.want {
				t.Errorf("RedactSecrets(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
