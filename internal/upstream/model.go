package upstream

import "strings"

// ExtractModel pulls the model name out of a Gemini-style request path,
// e.g. "/v1beta/models/gemini-1.5-pro:generateContent" -> "gemini-1.5-pro",
// or "/v1beta/tunedModels/my-model:predict" -> "my-model". Returns "" if the
// path carries neither marker.
func ExtractModel(path string) string {
	for _, marker := range []string{"models/", "tunedModels/"} {
		idx := strings.Index(path, marker)
		if idx == -1 {
			continue
		}

		rest := path[idx+len(marker):]
		rest = strings.TrimPrefix(rest, "/")

		end := len(rest)
		for i, r := range rest {
			if r == ':' || r == '/' || r == '?' {
				end = i
				break
			}
		}

		if end == 0 {
			return ""
		}

		return rest[:end]
	}

	return ""
}
