package timestamp

import "fmt"

// WhenKind enumerates timestamp selection policies.
type WhenKind uint8

const (
	// WhenImmediately is the default: read at the freshest valid time.
	WhenImmediately WhenKind = iota
	// WhenFreshestTableWrite reads at the timeline's latest write, as a
	// read-then-write must.
	WhenFreshestTableWrite
	// WhenAtTimestamp reads at exactly the given time (AS OF).
	WhenAtTimestamp
	// WhenAtLeastTimestamp reads at the given time or later
	// (AS OF AT LEAST, and the lower bound of UP TO).
	WhenAtLeastTimestamp
)

// QueryWhen is the time selection policy of a query. The zero value is
// Immediately.
type QueryWhen struct {
	Kind WhenKind
	Expr Expr // WhenAtTimestamp and WhenAtLeastTimestamp only
}

// Immediately returns the default policy.
func Immediately() QueryWhen { return QueryWhen{Kind: WhenImmediately} }

// FreshestTableWrite returns the read-then-write policy.
func FreshestTableWrite() QueryWhen { return QueryWhen{Kind: WhenFreshestTableWrite} }

// AtTimestamp returns an AS OF policy.
func AtTimestamp(e Expr) QueryWhen { return QueryWhen{Kind: WhenAtTimestamp, Expr: e} }

// AtLeastTimestamp returns an AS OF AT LEAST policy.
func AtLeastTimestamp(e Expr) QueryWhen { return QueryWhen{Kind: WhenAtLeastTimestamp, Expr: e} }

// AdvanceToTimestamp returns the explicit lower bound of the policy, if any.
func (w QueryWhen) AdvanceToTimestamp() (Expr, bool) {
	switch w.Kind {
	case WhenAtTimestamp, WhenAtLeastTimestamp:
		return w.Expr, w.Expr != nil
	default:
		return nil, false
	}
}

// AdvanceToSince reports whether the candidate may be moved up to the since.
func (w QueryWhen) AdvanceToSince() bool {
	return w.Kind != WhenAtTimestamp
}

// CanAdvanceToUpper reports whether the candidate may be moved up to the
// largest time not in advance of the upper.
func (w QueryWhen) CanAdvanceToUpper() bool {
	return w.Kind == WhenImmediately
}

// CanAdvanceToTimelineTS reports whether the candidate may be moved up to the
// timeline oracle's read timestamp.
func (w QueryWhen) CanAdvanceToTimelineTS() bool {
	return w.Kind == WhenImmediately || w.Kind == WhenFreshestTableWrite
}

// MustAdvanceToTimelineTS reports whether the candidate has to include the
// timeline oracle's read timestamp regardless of isolation.
func (w QueryWhen) MustAdvanceToTimelineTS() bool {
	return w.Kind == WhenFreshestTableWrite
}

func (w QueryWhen) String() string {
	switch w.Kind {
	case WhenFreshestTableWrite:
		return "FreshestTableWrite"
	case WhenAtTimestamp:
		return fmt.Sprintf("AtTimestamp(%v)", w.Expr)
	case WhenAtLeastTimestamp:
		return fmt.Sprintf("AtLeastTimestamp(%v)", w.Expr)
	default:
		return "Immediately"
	}
}
