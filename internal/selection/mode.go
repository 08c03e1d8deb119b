package selection

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies how a portfolio's project membership is computed.
type Kind int

const (
	KindNone Kind = iota
	KindManual
	KindRegexp
	KindTags
	KindRest
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindManual:
		return "manual"
	case KindRegexp:
		return "regexp"
	case KindTags:
		return "tags"
	case KindRest:
		return "rest"
	default:
		return "unknown"
	}
}

// ParseKind reads a mode name as the platform spells it ("MANUAL") or as
// logs spell it ("manual").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return KindNone, nil
	case "manual":
		return KindManual, nil
	case "regexp":
		return KindRegexp, nil
	case "tags":
		return KindTags, nil
	case "rest":
		return KindRest, nil
	default:
		return KindNone, fmt.Errorf("unknown selection mode %q", s)
	}
}

// Mode is one selection state. Exactly one variant is populated: the
// fields that do not belong to Kind stay zero.
type Mode struct {
	Kind Kind

	// Manual: project key to selected branch names. An empty list means
	// the project's main branch.
	Projects map[string][]string

	// Regexp only.
	Pattern string

	// Tags only.
	Tags []string

	// Regexp, Tags and Rest: the branch the computed projects are
	// selected on. Empty means the main branch.
	Branch string
}

func NoneMode() Mode {
	return Mode{Kind: KindNone}
}

func ManualMode() Mode {
	return Mode{Kind: KindManual, Projects: make(map[string][]string)}
}

func RegexpMode(pattern, branch string) Mode {
	return Mode{Kind: KindRegexp, Pattern: pattern, Branch: branch}
}

func TagsMode(tags []string, branch string) Mode {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return Mode{Kind: KindTags, Tags: sorted, Branch: branch}
}

func RestMode(branch string) Mode {
	return Mode{Kind: KindRest, Branch: branch}
}

// clone deep-copies the variant payload so callers never alias the
// engine's state.
func (m Mode) clone() Mode {
	out := m
	if m.Projects != nil {
		out.Projects = make(map[string][]string, len(m.Projects))
		for project, branches := range m.Projects {
			out.Projects[project] = append([]string(nil), branches...)
		}
	}
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	return out
}
