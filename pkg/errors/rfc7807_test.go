package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplainAndWrapCopy(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := RouteUnreachable.Explain("island %d is down", 4).Wrap(cause)

	assert.Equal(t, "[RouteUnreachable] island 4 is down (dial tcp: refused)", err.Error())
	assert.Empty(t, RouteUnreachable.Message, "sentinel must stay untouched")
	assert.Nil(t, RouteUnreachable.Unwrap())
	assert.True(t, Is(err, RouteUnreachable))
	assert.False(t, Is(err, NotFound))
	assert.Same(t, cause, err.Unwrap())
}

func TestKindAndMessageThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", CapacityExceeded.Explain("queue is full"))

	assert.Equal(t, KindCapacityExceeded, KindOf(err))
	assert.Equal(t, "queue is full", Message(err))
	assert.Equal(t, "", KindOf(fmt.Errorf("plain")))
	assert.Equal(t, "plain", Message(fmt.Errorf("plain")))
	assert.Equal(t, "", Message(nil))
}

func TestProblem(t *testing.T) {
	p := Problem(Unauthorized.Explain("invalid token"), "/command")
	assert.Equal(t, http.StatusUnauthorized, p.Status)
	assert.Equal(t, TypeUnauthorized, p.Type)
	assert.Equal(t, "invalid token", p.Detail)

	p = Problem(fmt.Errorf("boom"), "/x").WithTraceID("abc").WithExtra("request_id", "r1")
	assert.Equal(t, http.StatusInternalServerError, p.Status)

	body, err := json.Marshal(p)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "abc", out["trace_id"])
	assert.Equal(t, "r1", out["request_id"])
	assert.Equal(t, "/x", out["instance"])
	assert.Equal(t, "boom", out["detail"])
}
