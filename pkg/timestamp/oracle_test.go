package timestamp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/clockwork/pkg/logger"
	"github.com/daviddao/clockwork/pkg/model"
)

func TestLinearizedTimeline(t *testing.T) {
	user := model.DependentOn(model.UserTimeline("x"))
	none := model.TimelineContext{Kind: model.TimestampIndependent}
	cases := []struct {
		name string
		iso  model.IsolationLevel
		when QueryWhen
		tlc  model.TimelineContext
		want bool
	}{
		{"serializable immediately", model.Serializable, Immediately(), tsDependent(), false},
		{"strict immediately", model.StrictSerializable, Immediately(), tsDependent(), true},
		{"strong session immediately", model.StrongSessionSerializable, Immediately(), user, true},
		{"read then write is always linearized", model.Serializable, FreshestTableWrite(), tsDependent(), true},
		{"as of never", model.StrictSerializable, AtTimestamp(TimestampLit(1)), tsDependent(), false},
		{"as of at least never", model.StrictSerializable, AtLeastTimestamp(TimestampLit(1)), tsDependent(), false},
		{"no timeline", model.StrictSerializable, FreshestTableWrite(), none, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got := LinearizedTimeline(tc.iso, tc.when, tc.tlc)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOracleReadTS(t *testing.T) {
	reg := fakeRegistry{model.EpochMilliseconds: &fakeOracle{read: 30}}
	ctx := context.Background()

	ts, err := OracleReadTS(ctx, reg, model.StrictSerializable, Immediately(), tsDependent())
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, model.Timestamp(30), *ts)

	ts, err = OracleReadTS(ctx, reg, model.Serializable, Immediately(), tsDependent())
	require.NoError(t, err)
	assert.Nil(t, ts)
	assert.Equal(t, 1, reg[model.EpochMilliseconds].reads, "serializable reads never consult the oracle")
}

func TestOracleFetcher(t *testing.T) {
	oracle := &fakeOracle{read: 17}
	f, err := NewOracleFetcher(fakeRegistry{model.EpochMilliseconds: oracle}, 2, logger.Discard())
	require.NoError(t, err)
	defer f.Close()

	select {
	case res := <-f.Fetch(context.Background(), model.StrictSerializable, Immediately(), tsDependent()):
		require.NoError(t, res.Err)
		require.NotNil(t, res.TS)
		assert.Equal(t, model.Timestamp(17), *res.TS)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete")
	}

	res := <-f.Fetch(context.Background(), model.Serializable, Immediately(), tsDependent())
	require.NoError(t, res.Err)
	assert.Nil(t, res.TS)
}

func TestOracleFetcher_Cancelled(t *testing.T) {
	f, err := NewOracleFetcher(fakeRegistry{model.EpochMilliseconds: &fakeOracle{}}, 1, logger.Discard())
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := <-f.Fetch(ctx, model.StrictSerializable, Immediately(), tsDependent())
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestNewOracleFetcher_RejectsEmptyPool(t *testing.T) {
	_, err := NewOracleFetcher(fakeRegistry{}, 0, logger.Discard())
	require.Error(t, err)
}
