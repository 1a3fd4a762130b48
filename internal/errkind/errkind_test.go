package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "direct kind",
			err:  New(NotFound, "pattern missing"),
			want: NotFound,
		},
		{
			name: "wrapped kind survives fmt wrapping",
			err:  fmt.Errorf("lookup: %w", New(QueueFull, "queue at capacity")),
			want: QueueFull,
		},
		{
			name: "double wrapped keeps outermost kind",
			err:  Wrap(IndexFailed, "index pattern", New(VectorUnavailable, "qdrant down")),
			want: IndexFailed,
		},
		{
			name: "plain error is internal",
			err:  errors.New("boom"),
			want: Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOfNil(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Internal, "nothing", nil))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := Wrap(VectorUnavailable, "search", inner)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{ValidationFailed, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{ADRIllegalTransition, http.StatusConflict},
		{QueueFull, http.StatusServiceUnavailable},
		{VectorUnavailable, http.StatusServiceUnavailable},
		{EmbedderUnavailable, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
		{IndexFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(VectorUnavailable, "down")))
	assert.True(t, Retryable(New(EmbedderUnavailable, "down")))
	assert.False(t, Retryable(New(ValidationFailed, "bad input")))
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(nil))
}

func TestRetryableWalksWrapChain(t *testing.T) {
	// Index pipelines wrap transient dependency failures as index-failed;
	// the retry decision must still see the transient cause underneath.
	assert.True(t, Retryable(Wrap(IndexFailed, "index pattern p1", New(VectorUnavailable, "qdrant down"))))
	assert.True(t, Retryable(Wrap(IndexFailed, "index pattern p1", New(EmbedderUnavailable, "tei down"))))
	assert.True(t, Retryable(Wrap(Internal, "outer", Wrap(IndexFailed, "inner", New(VectorUnavailable, "down")))))

	assert.False(t, Retryable(Wrap(IndexFailed, "index pattern p1", New(ValidationFailed, "empty body"))))
	assert.False(t, Retryable(Wrap(IndexFailed, "index pattern p1", errors.New("disk full"))))
}
