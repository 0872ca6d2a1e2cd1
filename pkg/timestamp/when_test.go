package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockwork/pkg/model"
)

func TestQueryWhenPredicates(t *testing.T) {
	lit := TimestampLit(3)
	cases := []struct {
		when                                          QueryWhen
		hasTS, since, upper, canTimeline, mustTimeline bool
	}{
		{Immediately(), false, true, true, true, false},
		{QueryWhen{}, false, true, true, true, false},
		{FreshestTableWrite(), false, true, false, true, true},
		{AtTimestamp(lit), true, false, false, false, false},
		{AtLeastTimestamp(lit), true, true, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.when.String(), func(t *testing.T) {
			_, hasTS := tc.when.AdvanceToTimestamp()
			assert.Equal(t, tc.hasTS, hasTS)
			assert.Equal(t, tc.since, tc.when.AdvanceToSince())
			assert.Equal(t, tc.upper, tc.when.CanAdvanceToUpper())
			assert.Equal(t, tc.canTimeline, tc.when.CanAdvanceToTimelineTS())
			assert.Equal(t, tc.mustTimeline, tc.when.MustAdvanceToTimelineTS())
		})
	}
}

func TestParseExpr(t *testing.T) {
	e, err := ParseExpr(" 42 ")
	require.NoError(t, err)
	ts, err := e.Eval()
	require.NoError(t, err)
	assert.Equal(t, model.Timestamp(42), ts)

	e, err = ParseExpr("-1")
	require.NoError(t, err)
	_, err = e.Eval()
	assert.EqualError(t, err, "mz_timestamp out of range: -1")

	e, err = ParseExpr("NULL")
	require.NoError(t, err)
	assert.Equal(t, NullLit{}, e)

	e, err = ParseExpr("1970-01-01T00:00:01.5Z")
	require.NoError(t, err)
	ts, err = e.Eval()
	require.NoError(t, err)
	assert.Equal(t, model.Timestamp(1500), ts)

	_, err = ParseExpr("yesterday")
	assert.Error(t, err)
}

func TestTimeLitBeforeEpoch(t *testing.T) {
	_, err := TimeLit(time.Unix(-10, 0)).Eval()
	assert.Error(t, err)
}
