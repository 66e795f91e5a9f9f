package cmd

import "testing"

func TestValidateAddr(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"port only", ":8080", false},
		{"localhost", "localhost:3400", false},
		{"ip", "127.0.0.1:8080", false},
		{"auto-assign port", ":0", false},
		{"hostname", "api.internal:8080", false},
		{"missing port", "localhost", true},
		{"non-numeric port", "localhost:abc", true},
		{"port out of range", "localhost:70000", true},
		{"whitespace host", "bad host:8080", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAddr(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateAddr(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"WARN", "WARN"},
		{"error", "ERROR"},
		{"garbage", "INFO"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
