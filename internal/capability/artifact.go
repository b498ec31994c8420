package capability

import (
	"regexp"
	"strings"
)

// Artifact references a binary output of a capability: a local file, a
// remote URL, or both.
type Artifact struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

var (
	artifactPattern = regexp.MustCompile(`ARTIFACT_PATH=(\S*)\s+ARTIFACT_URL=(\S*)`)
	// stripPattern also eats the horizontal space before a marker so the
	// visible text does not keep a dangling gap.
	stripPattern = regexp.MustCompile(`[ \t]*ARTIFACT_PATH=\S*\s+ARTIFACT_URL=\S*`)
	strayPattern = regexp.MustCompile(`[ \t]*ARTIFACT_(?:PATH|URL)=\S*`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// FormatArtifact renders the marker a capability embeds in its result.
func FormatArtifact(path, url string) string {
	return "ARTIFACT_PATH=" + path + " ARTIFACT_URL=" + url
}

// ExtractArtifact returns the artifact referenced by the first marker in
// text, or nil if there is none or both of its tokens are empty.
func ExtractArtifact(text string) *Artifact {
	m := artifactPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	if m[1] == "" && m[2] == "" {
		return nil
	}
	return &Artifact{Path: m[1], URL: m[2]}
}

// StripArtifacts removes every marker, complete or partial, from text.
func StripArtifacts(text string) string {
	if !strings.Contains(text, "ARTIFACT_") {
		return text
	}
	text = stripPattern.ReplaceAllString(text, "")
	text = strayPattern.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}
