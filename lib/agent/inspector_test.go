package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInspectorRecentReturnsPushedExchangesInOrder(t *testing.T) {
	t.Parallel()
	ins := NewInspector()
	ins.Push(Exchange{RequestID: "a", Status: 200, At: time.Now()})
	ins.Push(Exchange{RequestID: "b", Status: 404, At: time.Now()})

	recent := ins.Recent()
	require.Len(t, recent, 2)
	require.Equal(t, "a", recent[0].RequestID)
	require.Equal(t, "b", recent[1].RequestID)
}

func TestInspectorTrimsHistoryToBound(t *testing.T) {
	t.Parallel()
	ins := NewInspector()
	for i := 0; i < exchangeHistorySize+10; i++ {
		ins.Push(Exchange{RequestID: "x"})
	}
	require.Len(t, ins.Recent(), exchangeHistorySize)
}

func TestInspectorExchangesEndpointServesJSON(t *testing.T) {
	t.Parallel()
	ins := NewInspector()
	ins.Push(Exchange{RequestID: "a", Method: "GET", Path: "/", Status: 200})

	req := httptest.NewRequest(http.MethodGet, "/exchanges", nil)
	rec := httptest.NewRecorder()
	ins.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []Exchange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].RequestID)
}

func TestLossyUTF8PreservesNilVsEmpty(t *testing.T) {
	t.Parallel()

	require.Nil(t, lossyUTF8(nil))

	empty := lossyUTF8([]byte{})
	require.NotNil(t, empty)
	require.Equal(t, "", *empty)

	invalid := lossyUTF8([]byte{'o', 'k', 0xff})
	require.NotNil(t, invalid)
	require.Contains(t, *invalid, "ok")
}
