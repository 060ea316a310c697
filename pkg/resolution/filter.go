package resolution

import "strings"

// UntaggedSelector is the reserved tag value selecting consumer versions
// that carry no active tag.
const UntaggedSelector = "untagged"

type filterKind int

const (
	filterAny filterKind = iota
	filterTagged
	filterUntagged
)

// TagFilter restricts which consumer versions are considered.
type TagFilter struct {
	kind filterKind
	name string
}

// AnyTag applies no tag restriction.
func AnyTag() TagFilter { return TagFilter{} }

// Tagged selects versions currently carrying the named tag.
func Tagged(name string) TagFilter { return TagFilter{kind: filterTagged, name: name} }

// Untagged selects versions carrying no active tag at all.
func Untagged() TagFilter { return TagFilter{kind: filterUntagged} }

// ParseTagFilter maps a query parameter to a filter. An empty value means
// any tag and UntaggedSelector means no tag.
func ParseTagFilter(value string) TagFilter {
	value = strings.TrimSpace(value)
	switch value {
	case "":
		return AnyTag()
	case UntaggedSelector:
		return Untagged()
	default:
		return Tagged(value)
	}
}

// Name returns the tag name for a Tagged filter.
func (f TagFilter) Name() string { return f.name }

func (f TagFilter) String() string {
	switch f.kind {
	case filterTagged:
		return f.name
	case filterUntagged:
		return UntaggedSelector
	default:
		return ""
	}
}

// condition returns a SQL predicate over the versions table aliased as
// alias, or an empty string when the filter matches everything.
func (f TagFilter) condition(alias string) (string, []interface{}) {
	switch f.kind {
	case filterTagged:
		return "EXISTS (SELECT 1 FROM tags t WHERE t.version_id = " + alias + ".id AND t.name = ? AND t.removed_at IS NULL)",
			[]interface{}{f.name}
	case filterUntagged:
		return "NOT EXISTS (SELECT 1 FROM tags t WHERE t.version_id = " + alias + ".id AND t.removed_at IS NULL)", nil
	default:
		return "", nil
	}
}
