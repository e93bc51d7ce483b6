package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")

	tcases := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{
			name: "validation",
			err:  Validation("Send", "message is empty"),
			kind: KindValidation,
		},
		{
			name:      "wrapped unavailable",
			err:       fmt.Errorf("fetch room: %w", Unavailable("FetchRoom", base)),
			kind:      KindStorageUnavailable,
			retryable: true,
		},
		{
			name: "plain error",
			err:  base,
			kind: KindInternal,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Unavailable("MarkRead", errors.New("timeout"))
	assert.Equal(t, "MarkRead: STORAGE_UNAVAILABLE: timeout", err.Error())
	assert.ErrorContains(t, NotFound("PurgeForAll", "message not found"), "PurgeForAll: message not found")
	assert.False(t, Is(nil, KindNotFound), "nil error has no kind")
}
