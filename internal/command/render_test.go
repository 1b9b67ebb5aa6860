package command

import (
	"reflect"
	"strings"
	"testing"
)

// TestRenderNmapScenario is the canonical port/target expansion.
func TestRenderNmapScenario(t *testing.T) {
	template := []string{"nmap", "-p", "{{port}}", "{{target}}"}
	args := map[string]any{"port": 80, "target": "example.com"}

	got := Render(template, args)
	want := []string{"nmap", "-p", "80", "example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Render = %q, want %q", got, want)
	}
}

// TestRenderDropsEmptyTokens ensures unset optional flags vanish.
func TestRenderDropsEmptyTokens(t *testing.T) {
	template := []string{"nuclei", "{{severity}}", "-u", "{{target}}", "{{ extra }}"}
	got := Render(template, map[string]any{"target": "https://example.com", "severity": nil})
	want := []string{"nuclei", "-u", "https://example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Render = %q, want %q", got, want)
	}
}

// TestRenderEmbeddedPlaceholders covers placeholders inside a larger token.
func TestRenderEmbeddedPlaceholders(t *testing.T) {
	template := []string{"tool", "--rate={{rate}}", "--range={{from}}-{{to}}", "--flag={{missing}}"}
	got := Render(template, map[string]any{"rate": 1.5, "from": 1, "to": int64(1024)})
	want := []string{"tool", "--rate=1.5", "--range=1-1024", "--flag="}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Render = %q, want %q", got, want)
	}
}

// TestRenderIsDeterministicAndPlaceholderFree runs the same inputs twice and
// checks no placeholder syntax survives, even when a value carries some.
func TestRenderIsDeterministicAndPlaceholderFree(t *testing.T) {
	template := []string{"bin", "{{a}}", "x{{b}}y", "{{c}}", "{{ bad-name }}", "{{}}"}
	args := map[string]any{"a": "{{c}}", "b": true, "c": []string{"x", "y"}}

	first := Render(template, args)
	second := Render(template, args)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("non-deterministic: %q vs %q", first, second)
	}
	for _, tok := range first {
		if strings.Contains(tok, "{{") || strings.Contains(tok, "}}") {
			t.Fatalf("placeholder survived in %q", first)
		}
	}
	want := []string{"bin", "xtruey", "x,y"}
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("Render = %q, want %q", first, want)
	}
}

func TestPlaceholdersAndStrayBraces(t *testing.T) {
	if got := Placeholders("--p={{port}}:{{ host }}"); !reflect.DeepEqual(got, []string{"port", "host"}) {
		t.Errorf("Placeholders = %q", got)
	}
	if HasStrayBraces("--p={{port}}") {
		t.Error("well-formed placeholder reported as stray")
	}
	for _, tok := range []string{"{{port", "port}}", "{{bad-name}}", "{{}}"} {
		if !HasStrayBraces(tok) {
			t.Errorf("HasStrayBraces(%q) = false", tok)
		}
	}
}
