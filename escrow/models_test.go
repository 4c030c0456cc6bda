package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusText(t *testing.T) {
	for _, s := range []Status{StatusLocked, StatusReleased, StatusRefunded} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	_, err := Status(0).MarshalText()
	assert.Error(t, err)
	_, err = ParseStatus("pending")
	assert.Error(t, err)

	assert.False(t, StatusLocked.Terminal())
	assert.True(t, StatusReleased.Terminal())
	assert.True(t, StatusRefunded.Terminal())
}

func TestStatusJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{StatusRefunded})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"refunded"}`, string(out))
}

func TestListFilterPaging(t *testing.T) {
	cases := []struct {
		filter ListFilter
		offset int
		limit  int
	}{
		{ListFilter{}, 0, 20},
		{ListFilter{Page: 3, PageSize: 10}, 20, 10},
		{ListFilter{Page: -1, PageSize: 500}, 0, 20},
		{ListFilter{Page: 2, PageSize: 100}, 100, 100},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.offset, tc.filter.Offset(), "offset for %+v", tc.filter)
		assert.Equal(t, tc.limit, tc.filter.Limit(), "limit for %+v", tc.filter)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindTransferFailed, KindOf(fmt.Errorf("%w: vault -> payee: short", ErrTransferFailed)))
	assert.Equal(t, KindInternal, KindOf(errors.New("connection reset")))

	assert.True(t, Retriable(ErrTransferFailed))
	assert.False(t, Retriable(ErrExpired))
	assert.False(t, Retriable(ErrAlreadyProcessed))
}

func TestValidateFeedback(t *testing.T) {
	require.NoError(t, ValidateFeedback(""))
	require.NoError(t, ValidateFeedback(string(make([]rune, MaxFeedbackLength))))

	long := make([]rune, MaxFeedbackLength+1)
	for i := range long {
		long[i] = 'é'
	}
	assert.ErrorIs(t, ValidateFeedback(string(long)), ErrInvalidFeedback)
	assert.NoError(t, ValidateFeedback(string(long[:MaxFeedbackLength])))
	assert.ErrorIs(t, ValidateFeedback("\xff\xfe"), ErrInvalidFeedback)
}

func TestFeedbackDigestIsStable(t *testing.T) {
	a := FeedbackDigest("great course")
	assert.Len(t, a, 64)
	assert.Equal(t, a, FeedbackDigest("great course"))
	assert.NotEqual(t, a, FeedbackDigest("great course!"))
}
