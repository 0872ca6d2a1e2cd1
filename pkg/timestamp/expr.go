package timestamp

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/daviddao/clockwork/pkg/model"
)

// Expr is an AS OF / UP TO expression that evaluates to a timestamp.
type Expr interface {
	Eval() (model.Timestamp, error)
	String() string
}

// TimestampLit is a literal timestamp.
type TimestampLit model.Timestamp

func (e TimestampLit) Eval() (model.Timestamp, error) { return model.Timestamp(e), nil }
func (e TimestampLit) String() string                 { return model.Timestamp(e).String() }

// IntLit is a signed integer; negative values are out of range.
type IntLit int64

func (e IntLit) Eval() (model.Timestamp, error) {
	if e < 0 {
		return 0, errors.Newf("mz_timestamp out of range: %d", int64(e))
	}
	return model.Timestamp(e), nil
}

func (e IntLit) String() string { return strconv.FormatInt(int64(e), 10) }

// TimeLit is a wall-clock time, converted to milliseconds since the epoch.
type TimeLit time.Time

func (e TimeLit) Eval() (model.Timestamp, error) {
	ms := time.Time(e).UnixMilli()
	if ms < 0 {
		return 0, errors.Newf("mz_timestamp out of range: %s", e)
	}
	return model.Timestamp(ms), nil
}

func (e TimeLit) String() string { return time.Time(e).UTC().Format(time.RFC3339Nano) }

// NullLit is SQL NULL, which never names a timestamp.
type NullLit struct{}

func (NullLit) Eval() (model.Timestamp, error) {
	return 0, errors.New("can't use null as a mz_timestamp for AS OF or UP TO")
}

func (NullLit) String() string { return "null" }

// ParseExpr parses the textual form of an expression: "null", an integer,
// or an RFC 3339 time.
func ParseExpr(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") {
		return NullLit{}, nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return TimestampLit(u), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntLit(i), nil
	} else if errors.Is(err, strconv.ErrRange) {
		return nil, errors.Newf("mz_timestamp out of range: %s", s)
	}
	if tm, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return TimeLit(tm), nil
	}
	return nil, errors.Newf("can't use %q as a mz_timestamp for AS OF or UP TO", s)
}
