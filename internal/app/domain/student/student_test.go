package student

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := Student{ID: "ana", Username: "ana.novak", Password: "secret"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid student rejected: %v", err)
	}

	cases := []struct {
		name string
		s    Student
		want string
	}{
		{"missing id", Student{Username: "u", Password: "p"}, "id is required"},
		{"missing username", Student{ID: "ana", Password: "p"}, "username is required"},
		{"missing password", Student{ID: "ana", Username: "u"}, "password is required"},
		{"blank doc url", Student{ID: "ana", Username: "u", Password: "p", ExternalDoc: &ExternalDocSource{URL: "  "}}, "external doc url"},
	}
	for _, tc := range cases {
		err := tc.s.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := (Student{ID: "ana"}).DisplayName(); got != "ana" {
		t.Fatalf("fallback display name = %q", got)
	}
	if got := (Student{ID: "ana", Name: "Ana N."}).DisplayName(); got != "Ana N." {
		t.Fatalf("display name = %q", got)
	}
}
