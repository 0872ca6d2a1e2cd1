package timestamp

import (
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

const wallTimeLayout = "2006-01-02 15:04:05.000"

// TimestampExplanation is the EXPLAIN TIMESTAMP report of a determination.
type TimestampExplanation struct {
	Determination Determination     `json:"determination"`
	Sources       []TimestampSource `json:"sources"`
	// SessionWallTime is the wall time of the first statement of the
	// transaction.
	SessionWallTime    time.Time `json:"session_wall_time"`
	RespondImmediately bool      `json:"respond_immediately"`
}

// displayTS renders t, adding the wall-clock time in the EpochMilliseconds
// timeline.
func displayTS(t model.Timestamp, tl model.Timeline, hasTL bool) string {
	if hasTL && tl == model.EpochMilliseconds {
		if tm, ok := t.Time(); ok {
			return fmt.Sprintf("%13d (%s)", uint64(t), tm.Format(wallTimeLayout))
		}
	}
	return fmt.Sprintf("%13d", uint64(t))
}

func displayFrontier(a frontier.Antichain, tl model.Timeline, hasTL bool) string {
	elems := a.Elements()
	parts := make([]string, len(elems))
	for i, t := range elems {
		parts[i] = displayTS(t, tl, hasTL)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (x TimestampExplanation) String() string {
	d := x.Determination
	tl, hasTL := d.Context.Timeline()
	var b strings.Builder
	fmt.Fprintf(&b, "                query timestamp: %s\n", displayTS(d.Context.TimestampOrDefault(), tl, hasTL))
	if d.OracleReadTS != nil {
		fmt.Fprintf(&b, "          oracle read timestamp: %s\n", displayTS(*d.OracleReadTS, tl, hasTL))
	}
	if d.SessionOracleReadTS != nil {
		fmt.Fprintf(&b, "  session oracle read timestamp: %s\n", displayTS(*d.SessionOracleReadTS, tl, hasTL))
	}
	fmt.Fprintf(&b, "largest not in advance of upper: %s\n", displayTS(d.LargestNotInAdvanceOfUpper, tl, hasTL))
	fmt.Fprintf(&b, "                          upper:%s\n", displayFrontier(d.Upper, tl, hasTL))
	fmt.Fprintf(&b, "                          since:%s\n", displayFrontier(d.Since, tl, hasTL))
	fmt.Fprintf(&b, "        can respond immediately: %t\n", x.RespondImmediately)
	if hasTL {
		fmt.Fprintf(&b, "                       timeline: Some(%s)\n", tl)
	} else {
		b.WriteString("                       timeline: None\n")
	}
	fmt.Fprintf(&b, "              session wall time: %13d (%s)\n",
		x.SessionWallTime.UnixMilli(), x.SessionWallTime.Format(wallTimeLayout))

	for _, src := range x.Sources {
		fmt.Fprintf(&b, "\nsource %s:\n", src.Name)
		fmt.Fprintf(&b, "                  read frontier:%s\n", displayFrontier(src.ReadFrontier, tl, hasTL))
		fmt.Fprintf(&b, "                 write frontier:%s\n", displayFrontier(src.WriteFrontier, tl, hasTL))
	}
	return b.String()
}
