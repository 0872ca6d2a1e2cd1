package model

import (
	"fmt"
	"strings"
)

// Timeline names a domain of timestamps that can be compared with each other.
type Timeline string

// EpochMilliseconds is the default timeline: milliseconds since the Unix
// epoch, advanced by the system clock.
const EpochMilliseconds Timeline = "EpochMilliseconds"

// ExternalTimeline is a timeline whose timestamps come from an external
// system.
func ExternalTimeline(name string) Timeline { return Timeline("External(" + name + ")") }

// UserTimeline is a timeline named by the user.
func UserTimeline(name string) Timeline { return Timeline("User(" + name + ")") }

// TimelineContextKind classifies a set of collections by timeline.
type TimelineContextKind uint8

const (
	// TimestampIndependent collections (constants, static views) need no
	// timestamp at all.
	TimestampIndependent TimelineContextKind = iota
	// TimestampDependent collections need a timestamp but belong to no
	// specific timeline; the default timeline is used.
	TimestampDependent
	// TimelineDependent collections belong to exactly one named timeline.
	TimelineDependent
)

// TimelineContext is the timeline classification of a bundle of
// collections. It is computed upstream and consumed here.
type TimelineContext struct {
	Kind     TimelineContextKind
	Timeline Timeline // only for TimelineDependent
}

// DependentOn returns a TimelineDependent context for tl.
func DependentOn(tl Timeline) TimelineContext {
	return TimelineContext{Kind: TimelineDependent, Timeline: tl}
}

// ResolveTimeline returns the timeline the context uses, defaulting
// TimestampDependent to EpochMilliseconds. It reports false for
// TimestampIndependent contexts.
func (c TimelineContext) ResolveTimeline() (Timeline, bool) {
	switch c.Kind {
	case TimelineDependent:
		return c.Timeline, true
	case TimestampDependent:
		return EpochMilliseconds, true
	default:
		return "", false
	}
}

func (c TimelineContext) String() string {
	switch c.Kind {
	case TimelineDependent:
		return fmt.Sprintf("TimelineDependent(%s)", c.Timeline)
	case TimestampDependent:
		return "TimestampDependent"
	default:
		return "TimestampIndependent"
	}
}

// IsolationLevel governs how aggressively a read may advance towards the
// upper versus how strongly it must reflect prior writes.
type IsolationLevel uint8

const (
	Serializable IsolationLevel = iota
	StrictSerializable
	StrongSessionSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case Serializable:
		return "serializable"
	case StrictSerializable:
		return "strict serializable"
	case StrongSessionSerializable:
		return "strong session serializable"
	}
	return fmt.Sprintf("isolation(%d)", uint8(l))
}

// ParseIsolationLevel accepts the SQL spelling of an isolation level, with
// spaces, dashes or underscores between words.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", " ", "_", " ").Replace(norm)
	switch norm {
	case "serializable":
		return Serializable, nil
	case "strict serializable":
		return StrictSerializable, nil
	case "strong session serializable":
		return StrongSessionSerializable, nil
	}
	return 0, fmt.Errorf("unknown isolation level %q", s)
}

func (l IsolationLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *IsolationLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseIsolationLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
