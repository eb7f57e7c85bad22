package ipfilter

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRejectsInvalidPrefix(t *testing.T) {
	t.Parallel()

	_, err := Parse("10.0.0.0/33")
	require.Error(t, err)

	_, err = Parse("10.0.0.0")
	require.Error(t, err)

	_, err = Parse("not-an-ip/24")
	require.Error(t, err)
}

func TestParseContainsIsTotalOverValidPrefixes(t *testing.T) {
	t.Parallel()

	for prefix := 0; prefix <= 32; prefix++ {
		r, err := Parse("10.1.2.3/" + strconv.Itoa(prefix))
		require.NoError(t, err)
		require.True(t, r.Contains(net.ParseIP("10.1.2.3")))
	}
}

func TestContainsRejectsOutsideNetwork(t *testing.T) {
	t.Parallel()

	r, err := Parse("10.0.0.0/24")
	require.NoError(t, err)
	require.True(t, r.Contains(net.ParseIP("10.0.0.5")))
	require.False(t, r.Contains(net.ParseIP("10.0.1.5")))
}

func TestContainsNeverMatchesIPv6(t *testing.T) {
	t.Parallel()

	r, err := Parse("0.0.0.0/0")
	require.NoError(t, err)
	require.False(t, r.Contains(net.ParseIP("::1")))
}

func TestFilterEmptyAllowsEverything(t *testing.T) {
	t.Parallel()

	var f Filter
	require.True(t, f.IsEmpty())
	require.True(t, f.IsAllowed(net.ParseIP("8.8.8.8")))
}

func TestFilterDenyPrecedesAllow(t *testing.T) {
	t.Parallel()

	f, err := ParseFilter([]string{"10.0.0.0/8"}, []string{"10.1.2.3/32"})
	require.NoError(t, err)

	require.False(t, f.IsAllowed(net.ParseIP("10.1.2.3")), "explicit deny wins even though it's inside the allow range")
	require.True(t, f.IsAllowed(net.ParseIP("10.2.3.4")))
	require.False(t, f.IsAllowed(net.ParseIP("8.8.8.8")), "outside the non-empty allow list")
}

func TestFilterEmptyAllowMeansAllowAllExceptDeny(t *testing.T) {
	t.Parallel()

	f, err := ParseFilter(nil, []string{"10.1.2.3/32"})
	require.NoError(t, err)

	require.False(t, f.IsAllowed(net.ParseIP("10.1.2.3")))
	require.True(t, f.IsAllowed(net.ParseIP("10.1.2.4")))
	require.True(t, f.IsAllowed(net.ParseIP("8.8.8.8")))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.1:1234"
	r.Header.Set("X-Forwarded-For", " 10.1.2.3 , 10.9.9.9")
	r.Header.Set("X-Real-IP", "10.5.5.5")

	ip := ClientIP(r)
	require.Equal(t, "10.1.2.3", ip.String())
}

func TestClientIPFallsBackToRealIPThenPeer(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.1:1234"
	r.Header.Set("X-Real-IP", "10.5.5.5")
	require.Equal(t, "10.5.5.5", ClientIP(r).String())

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.RemoteAddr = "203.0.113.9:9999"
	require.Equal(t, "203.0.113.9", ClientIP(r2).String())
}