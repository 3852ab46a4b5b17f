package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("ABCDEFGH"))
	assert.True(t, ValidCode("A2B3C4D7"))
	assert.False(t, ValidCode("abcdefgh"))
	assert.False(t, ValidCode("ABCDEFG"))
	assert.False(t, ValidCode("ABCDEFGHI"))
	assert.False(t, ValidCode("ABCDEFG1"))
	assert.False(t, ValidCode("ABCDEFG8"))
	assert.False(t, ValidCode(""))
}

func TestValue_Kinds(t *testing.T) {
	cases := map[string]ValueKind{
		`{"a":1}`: KindObject,
		`[1,2]`:   KindArray,
		`"x"`:     KindString,
		`12.5`:    KindNumber,
		`-3`:      KindNumber,
		`true`:    KindBool,
		`null`:    KindNull,
	}
	for raw, want := range cases {
		v, err := ParseValue([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, v.Kind(), raw)
	}

	var zero Value
	assert.True(t, zero.IsAbsent())
	assert.Equal(t, "null", zero.String())
}

func TestValue_RejectsMalformed(t *testing.T) {
	_, err := ParseValue([]byte(`{"a":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var req EnqueueRequest
	err = json.Unmarshal([]byte(`{"sessionCode":"ABCDEFGH","params":{"a":}}`), &req)
	require.Error(t, err)
}

func TestValue_Object(t *testing.T) {
	v := MustValue(map[string]interface{}{"msg": "hi"})
	obj, err := v.Object()
	require.NoError(t, err)
	assert.Equal(t, "hi", obj["msg"])

	empty, err := Value{}.Object()
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = MustValue([]int{1}).Object()
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValue_RoundTripInsideRequest(t *testing.T) {
	req := ToolRequest{
		ID:          "r1",
		SessionCode: "ABCDEFGH",
		Tool:        "echo",
		Args:        MustValue(map[string]string{"msg": "hi"}),
		EnqueuedAt:  time.Unix(100, 0).UTC(),
		Status:      StatusQueued,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"args":{"msg":"hi"}`)

	var decoded ToolRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, req.Args.Equal(decoded.Args))
	assert.Equal(t, req.ID, decoded.ID)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindSessionExpired, KindOf(fmt.Errorf("enqueue: %w", ErrSessionExpired)))
	assert.Equal(t, KindStoreUnavailable, KindOf(fmt.Errorf("x: %w", ErrStoreUnavailable)))
	assert.Equal(t, KindExecutionTimeout, KindOf(ErrExecutionTimeout))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindSessionNotFound))
	assert.Equal(t, http.StatusGone, HTTPStatus(KindSessionExpired))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindRateLimited))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindStoreUnavailable))
}

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusNotFound, KindTransportFailure},
		{http.StatusGone, KindTransportFailure},
		{http.StatusBadRequest, KindTransportFailure},
		{http.StatusBadGateway, KindTransportFailure},
		{http.StatusServiceUnavailable, KindTransportFailure},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusNotAcceptable, KindVersionNotSupported},
		{http.StatusMethodNotAllowed, KindMethodNotAllowed},
		{http.StatusInternalServerError, KindInternal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindFromStatus(tt.status))
		})
	}
	assert.Equal(t, ErrSessionExpired, ErrorForKind(KindSessionExpired))
}

func TestCapabilitySet(t *testing.T) {
	set := NewCapabilitySet(" base", "Drawing", "", "BASE")
	assert.Equal(t, []string{"BASE", "DRAWING"}, set.List())
	assert.True(t, set.Has("drawing"))
	assert.False(t, set.Has("ADMIN"))
	assert.True(t, set.Has(""))
}

func TestNewErrorResponse(t *testing.T) {
	req := ToolRequest{ID: "r1", SessionCode: "ABCDEFGH"}
	resp := NewErrorResponse(req, fmt.Errorf("%w: nope", ErrToolNotFound), time.Now())
	require.NotNil(t, resp.Error)
	assert.Nil(t, resp.Result)
	assert.Equal(t, KindToolNotFound, resp.Error.Code)
	assert.False(t, resp.Succeeded())
}
