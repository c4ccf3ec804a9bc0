package ollama

import (
	"errors"
	"testing"
)

func TestParseModelID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"codellama:7b-code", "codellama:7b-code"},
		{"codellama", "codellama:latest"},
		{"  Mistral-Nemo  ", "mistral-nemo:latest"},
		{"library/phi3.5:Q4", "library/phi3.5:q4"},
		{"registry.local:5000/team/model", "registry.local:5000/team/model:latest"},
		{"registry.local:5000/team/model:v2", "registry.local:5000/team/model:v2"},
		{"model:", "model:latest"},
	}
	for _, tt := range tests {
		id, err := ParseModelID(tt.in)
		if err != nil {
			t.Fatalf("ParseModelID(%q): %v", tt.in, err)
		}
		if id.String() != tt.want {
			t.Errorf("ParseModelID(%q) = %q, want %q", tt.in, id.String(), tt.want)
		}
	}
}

func TestParseModelID_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", ":tag"} {
		if _, err := ParseModelID(in); !errors.Is(err, ErrInvalidModelID) {
			t.Errorf("ParseModelID(%q) err = %v, want ErrInvalidModelID", in, err)
		}
	}
}

func TestModelID_Equal(t *testing.T) {
	a := MustParseModelID("codellama")
	b := MustParseModelID("CodeLlama:latest")
	c := MustParseModelID("codellama:7b-code")

	if !a.Equal(b) {
		t.Errorf("%s should equal %s", a, b)
	}
	if a.Equal(c) {
		t.Errorf("%s should not equal %s", a, c)
	}
}

func TestContainsModel(t *testing.T) {
	installed := []string{"codellama:7b-code", "phi3.5:latest", ""}

	if !ContainsModel(installed, MustParseModelID("phi3.5")) {
		t.Error("phi3.5 should match phi3.5:latest")
	}
	if ContainsModel(installed, MustParseModelID("codellama")) {
		t.Error("codellama:latest should not match codellama:7b-code")
	}
}
