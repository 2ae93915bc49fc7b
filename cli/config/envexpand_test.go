package config

import "testing"

func TestExpandEnv(t *testing.T) {
	t.Setenv("SPOTTER_SET", "hello")
	t.Setenv("SPOTTER_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set var", "value: ${SPOTTER_SET}", "value: hello"},
		{"unset var", "value: ${SPOTTER_UNSET_12345}", "value: "},
		{"default when unset", "value: ${SPOTTER_UNSET_12345:-fallback}", "value: fallback"},
		{"default ignored when set", "value: ${SPOTTER_SET:-fallback}", "value: hello"},
		{"default when empty", "value: ${SPOTTER_EMPTY:-fallback}", "value: fallback"},
		{"empty default", "value: ${SPOTTER_UNSET_12345:-}", "value: "},
		{"multiple", "${SPOTTER_SET}-${SPOTTER_UNSET_12345:-x}-${SPOTTER_SET}", "hello-x-hello"},
		{"no pattern", "plain text", "plain text"},
		{"bare dollar untouched", "cost: $5 and $SPOTTER_SET", "cost: $5 and $SPOTTER_SET"},
		{"invalid name untouched", "${1BAD}", "${1BAD}"},
		{"default with colon", "${SPOTTER_UNSET_12345:-redis://localhost:6379}", "redis://localhost:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnv(tt.input); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
