package upstream

import "testing"

func TestBuildURLNoDuplication(t *testing.T) {
	got, err := BuildURL("https://generativelanguage.googleapis.com/v1beta", "/v1beta/models/gemini-pro:generateContent")
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	want := "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildURLNoVersionOnBase(t *testing.T) {
	got, err := BuildURL("https://generativelanguage.googleapis.com", "/v1beta/models/gemini-pro:generateContent")
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}
	want := "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractModelFromModelsPath(t *testing.T) {
	got := ExtractModel("/v1beta/models/gemini-1.5-pro:generateContent")
	if got != "gemini-1.5-pro" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractModelFromTunedModelsPath(t *testing.T) {
	got := ExtractModel("/v1beta/tunedModels/my-model:predict")
	if got != "my-model" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractModelStreamingSuffix(t *testing.T) {
	got := ExtractModel("/v1beta/models/gemini-pro:streamGenerateContent")
	if got != "gemini-pro" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractModelNoMarker(t *testing.T) {
	got := ExtractModel("/v1beta/health")
	if got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
