package matrix

import (
	"fmt"
	"strings"
)

// LatestKeyword selects the highest-ordered version of a pacticipant.
const LatestKeyword = "latest"

// Selector picks versions of one pacticipant. Exactly one of Version, Tag
// or Latest is normally set; with none set every version is selected.
// Tag together with Latest is the same as Tag alone.
type Selector struct {
	Pacticipant string `json:"pacticipant"`
	Version     string `json:"version,omitempty"`
	Tag         string `json:"tag,omitempty"`
	Latest      bool   `json:"latest,omitempty"`
}

// ParseSelector parses "Name@version", "Name@latest", "Name#tag" or "Name".
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}

	if name, tag, ok := strings.Cut(raw, "#"); ok {
		if name == "" || tag == "" {
			return Selector{}, fmt.Errorf("invalid selector %q: expected Name#tag", raw)
		}
		return Selector{Pacticipant: name, Tag: tag, Latest: true}, nil
	}

	if name, version, ok := strings.Cut(raw, "@"); ok {
		if name == "" || version == "" {
			return Selector{}, fmt.Errorf("invalid selector %q: expected Name@version", raw)
		}
		if version == LatestKeyword {
			return Selector{Pacticipant: name, Latest: true}, nil
		}
		return Selector{Pacticipant: name, Version: version}, nil
	}

	return Selector{Pacticipant: raw}, nil
}

// single reports whether the selector names at most one version.
func (s Selector) single() bool {
	return s.Version != "" || s.Tag != "" || s.Latest
}

// String renders the selector in the form ParseSelector accepts.
func (s Selector) String() string {
	switch {
	case s.Version != "":
		return s.Pacticipant + "@" + s.Version
	case s.Tag != "":
		return s.Pacticipant + "#" + s.Tag
	case s.Latest:
		return s.Pacticipant + "@" + LatestKeyword
	default:
		return s.Pacticipant
	}
}
