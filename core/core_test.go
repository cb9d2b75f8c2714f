package core

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestOperations_JSON_Unmarshalling(t *testing.T) {

	type Object struct {
		Operations []Operation `json:"operations"`
	}
	var object Object
	jsonRead := `{"operations":["create","read","update","delete","write"]}`
	err := json.Unmarshal([]byte(jsonRead), &object)
	if err != nil {
		t.Fatal(err)
	}

	jsonRead = `{"operations":["invalid"]}`
	err = json.Unmarshal([]byte(jsonRead), &object)
	if err == nil {
		t.Fatal("invalid operation accepted")
	}
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		"/users/u1/": "users/u1",
		"users/u1":   "users/u1",
		"///a":       "a",
		"/":          "",
		"":           "",
	} {
		if got := CleanPath(in); got != want {
			t.Fatalf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitPath(t *testing.T) {
	key, parent := SplitPath("users/u1/profile")
	if key != "profile" || parent != "users/u1" {
		t.Fatalf("unexpected split: %q %q", key, parent)
	}
	key, parent = SplitPath("users")
	if key != "users" || parent != "" {
		t.Fatalf("unexpected split: %q %q", key, parent)
	}
}
