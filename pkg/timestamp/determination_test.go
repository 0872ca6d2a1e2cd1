package timestamp

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
)

// oneSource is a provider holding u1 with since {5} and upper {10}.
func oneSource() (*fakeProvider, model.CollectionIDBundle) {
	p := newFakeProvider()
	p.addStorage(model.User(1), frontier.FromElem(5), frontier.FromElem(10))
	b := model.NewBundle()
	b.AddStorage(model.User(1))
	return p, b
}

func tsDependent() model.TimelineContext {
	return model.TimelineContext{Kind: model.TimestampDependent}
}

func TestDetermine_SerializableAdvancesToUpper(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		When:      Immediately(),
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	require.NoError(t, err)

	assert.Equal(t, model.Timestamp(9), det.LargestNotInAdvanceOfUpper)
	ts, ok := det.Context.Timestamp()
	require.True(t, ok)
	assert.Equal(t, model.Timestamp(9), ts)
	assert.True(t, det.RespondImmediately())
	assert.True(t, det.Since.Equal(frontier.FromElem(5)))
	assert.True(t, det.Upper.Equal(frontier.FromElem(10)))
	tl, _ := det.Context.Timeline()
	assert.Equal(t, model.EpochMilliseconds, tl)
	assert.Nil(t, det.OracleReadTS)
}

func TestDetermine_StrictWithholdsUpper(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:       b,
		When:         Immediately(),
		Timeline:     tsDependent(),
		OracleReadTS: tsPtr(3),
		Isolation:    model.StrictSerializable,
	})
	require.NoError(t, err)

	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(5), ts, "candidate stays at the since")
	assert.True(t, det.RespondImmediately())
	require.NotNil(t, det.Context.TimelineTS.OracleTS)
	assert.Equal(t, model.Timestamp(3), *det.Context.TimelineTS.OracleTS)
}

func TestDetermine_StrictWaitsForOracleAheadOfUpper(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:       b,
		Timeline:     tsDependent(),
		OracleReadTS: tsPtr(12),
		Isolation:    model.StrictSerializable,
	})
	require.NoError(t, err)
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(12), ts)
	assert.False(t, det.RespondImmediately(), "upper {10} is not beyond 12")
}

func TestDetermine_AsOfBeforeSince(t *testing.T) {
	p, b := oneSource()
	_, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		When:      AtTimestamp(TimestampLit(2)),
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	require.Error(t, err)

	var nv *TimestampNotValidError
	require.True(t, errors.As(err, &nv))
	assert.Equal(t, model.Timestamp(2), nv.Candidate)
	require.Len(t, nv.Invalid, 1)
	assert.Equal(t, model.User(1), nv.Invalid[0].ID)
	assert.True(t, nv.Invalid[0].Since.Equal(frontier.FromElem(5)))
	assert.Equal(t, "Timestamp (2) is not valid for all inputs: [u1 since [5]]", err.Error())
}

func TestDetermine_AsOfIsExact(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		When:      AtTimestamp(TimestampLit(7)),
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	require.NoError(t, err)
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(7), ts)
}

func TestDetermine_AtLeastAdvancesToSince(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		When:      AtLeastTimestamp(TimestampLit(2)),
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	require.NoError(t, err)
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(5), ts)
}

func TestDetermine_NullAsOf(t *testing.T) {
	p, b := oneSource()
	_, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		When:      AtTimestamp(NullLit{}),
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	require.EqualError(t, err, "can't use null as a mz_timestamp for AS OF or UP TO")
}

func TestDetermine_TimestampIndependent(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		Timeline:  model.TimelineContext{Kind: model.TimestampIndependent},
		Isolation: model.StrictSerializable,
	})
	require.NoError(t, err)
	assert.False(t, det.Context.ContainsTimestamp())
	assert.Equal(t, model.MaxTimestamp, det.Context.TimestampOrDefault())
	assert.True(t, det.RespondImmediately())
	// Without a timeline strict serializable may still read at the upper.
	assert.Equal(t, model.Timestamp(9), det.LargestNotInAdvanceOfUpper)
}

func TestDetermine_ComputeAndStorage(t *testing.T) {
	p, b := oneSource()
	p.addCompute(1, model.User(2), frontier.FromElem(3), frontier.FromElem(20))
	b.AddCompute(1, model.User(2))

	det, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		Instance:  1,
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	require.NoError(t, err)
	assert.True(t, det.Since.Equal(frontier.FromElem(5)))
	assert.True(t, det.Upper.Equal(frontier.FromElem(10)))
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(9), ts)
}

func TestDetermine_InvalidComputeInput(t *testing.T) {
	p := newFakeProvider()
	p.addCompute(1, model.User(4), frontier.FromElem(8), frontier.FromElem(20))
	b := model.NewBundle()
	b.AddCompute(1, model.User(4))

	_, err := DetermineTimestampFor(p, Request{
		Bundle:    b,
		When:      AtTimestamp(IntLit(6)),
		Instance:  1,
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	var nv *TimestampNotValidError
	require.True(t, errors.As(err, &nv))
	require.Len(t, nv.Invalid, 1)
	require.NotNil(t, nv.Invalid[0].Instance)
	assert.Equal(t, "Timestamp (6) is not valid for all inputs: [u4 on u1 since [8]]", err.Error())
}

func TestDetermine_EmptyBundle(t *testing.T) {
	det, err := DetermineTimestampFor(newFakeProvider(), Request{
		Bundle:    model.NewBundle(),
		Timeline:  tsDependent(),
		Isolation: model.Serializable,
	})
	require.NoError(t, err)
	assert.True(t, det.Upper.IsEmpty())
	assert.Equal(t, model.MaxTimestamp, det.LargestNotInAdvanceOfUpper)
	assert.True(t, det.RespondImmediately())
}

func TestDetermine_FreshestTableWrite(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:       b,
		When:         FreshestTableWrite(),
		Timeline:     tsDependent(),
		OracleReadTS: tsPtr(8),
		Isolation:    model.StrongSessionSerializable,
	})
	require.NoError(t, err)
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(8), ts, "policy forces the oracle even under strong session")
}

func TestDetermine_StrongSessionSerializable(t *testing.T) {
	p, b := oneSource()
	sess := BasicSession{
		ID:      7,
		Oracles: map[model.Timeline]SessionOracle{model.EpochMilliseconds: fakeSessionOracle(6)},
	}
	det, err := DetermineTimestampFor(p, Request{
		Session:      sess,
		Bundle:       b,
		Timeline:     tsDependent(),
		OracleReadTS: tsPtr(8),
		Isolation:    model.StrongSessionSerializable,
	})
	require.NoError(t, err)
	require.NotNil(t, det.SessionOracleReadTS)
	assert.Equal(t, model.Timestamp(6), *det.SessionOracleReadTS)
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(8), ts, "min(upper predecessor 9, oracle 8)")
}

func TestDetermine_StrongSessionPrefersUpperWhenBehindOracle(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Bundle:       b,
		Timeline:     tsDependent(),
		OracleReadTS: tsPtr(100),
		Isolation:    model.StrongSessionSerializable,
	})
	require.NoError(t, err)
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(9), ts)
	assert.True(t, det.RespondImmediately())
}

func TestDetermine_RealTimeRecency(t *testing.T) {
	p, b := oneSource()
	det, err := DetermineTimestampFor(p, Request{
		Session:           BasicSession{RTR: true},
		Bundle:            b,
		Timeline:          tsDependent(),
		OracleReadTS:      tsPtr(3),
		RealTimeRecencyTS: tsPtr(11),
		Isolation:         model.StrictSerializable,
	})
	require.NoError(t, err)
	ts, _ := det.Context.Timestamp()
	assert.Equal(t, model.Timestamp(11), ts)
	assert.False(t, det.RespondImmediately())
}

func TestDetermine_ContractBreachesPanic(t *testing.T) {
	p, b := oneSource()
	assert.Panics(t, func() {
		_, _ = DetermineTimestampFor(p, Request{
			Bundle:    b,
			Timeline:  tsDependent(),
			Isolation: model.StrictSerializable,
		})
	}, "linearized timeline without an oracle timestamp")
	assert.Panics(t, func() {
		_, _ = DetermineTimestampFor(p, Request{
			Session:           BasicSession{RTR: true},
			Bundle:            b,
			Timeline:          tsDependent(),
			RealTimeRecencyTS: tsPtr(11),
			Isolation:         model.Serializable,
		})
	}, "real-time recency outside strict serializable")
	assert.Panics(t, func() {
		b := model.NewBundle()
		b.AddStorage(model.User(99))
		_, _ = DetermineTimestampFor(p, Request{Bundle: b, Isolation: model.Serializable})
	}, "unknown id")
}

func TestDetermine_SinceNeverExceedsTimestamp(t *testing.T) {
	isolations := []model.IsolationLevel{model.Serializable, model.StrictSerializable, model.StrongSessionSerializable}
	whens := []QueryWhen{Immediately(), FreshestTableWrite(), AtLeastTimestamp(TimestampLit(1)), AtTimestamp(TimestampLit(6))}
	for _, iso := range isolations {
		for _, when := range whens {
			for _, oracle := range []model.Timestamp{0, 4, 50} {
				p, b := oneSource()
				det, err := DetermineTimestampFor(p, Request{
					Bundle:       b,
					When:         when,
					Timeline:     tsDependent(),
					OracleReadTS: tsPtr(oracle),
					Isolation:    iso,
				})
				if err != nil {
					var nv *TimestampNotValidError
					require.True(t, errors.As(err, &nv), "%s/%s: %v", iso, when, err)
					continue
				}
				ts, _ := det.Context.Timestamp()
				assert.True(t, det.Since.LessEqual(ts), "%s/%s/%d: since %s, ts %s", iso, when, oracle, det.Since, ts)
			}
		}
	}
}

func TestLargestNotInAdvanceOfUpper(t *testing.T) {
	assert.Equal(t, model.Timestamp(9), LargestNotInAdvanceOfUpper(frontier.FromElem(10)))
	assert.Equal(t, model.MinTimestamp, LargestNotInAdvanceOfUpper(frontier.FromElem(0)))
	assert.Equal(t, model.MaxTimestamp, LargestNotInAdvanceOfUpper(frontier.New()))
}

func TestTimestampContextFromTimelineContext(t *testing.T) {
	c := TimestampContextFromTimelineContext(4, nil, "", tsDependent())
	tl, ok := c.Timeline()
	require.True(t, ok)
	assert.Equal(t, model.EpochMilliseconds, tl)

	user := model.UserTimeline("x")
	c = TimestampContextFromTimelineContext(4, tsPtr(2), user, model.DependentOn(user))
	tl, _ = c.Timeline()
	assert.Equal(t, user, tl)
	assert.True(t, c.Antichain().Equal(frontier.FromElem(4)))

	assert.Panics(t, func() {
		TimestampContextFromTimelineContext(4, nil, model.EpochMilliseconds, model.DependentOn(user))
	})
	assert.False(t, TimestampContextFromTimelineContext(4, nil, "", model.TimelineContext{}).ContainsTimestamp())
}
