package http

import (
	"context"
	"net"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge-dev/hostbridge/core"
)

func TestInvoke_BlocksLoopbackByDefault(t *testing.T) {
	srv := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusOK)
	}))
	defer srv.Close()

	client := NewGet(DefaultConfig())
	_, err := client.Invoke(context.Background(), map[string]interface{}{"url": srv.URL})
	require.Error(t, err)
	assert.Equal(t, core.KindSecurity, core.KindOf(err))
}

func TestInvoke_AllowsLoopbackWhenConfigured(t *testing.T) {
	mux := stdhttp.NewServeMux()
	mux.HandleFunc("/ok", func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewGet(Config{AllowPrivateIP: true})
	result, err := client.Invoke(context.Background(), map[string]interface{}{"url": srv.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, 200, result.(map[string]interface{})["status_code"])
}

func TestInvoke_RejectsBadScheme(t *testing.T) {
	client := NewGet(DefaultConfig())
	_, err := client.Invoke(context.Background(), map[string]interface{}{"url": "ftp://example.com"})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidParam, core.KindOf(err))
}

func TestInvoke_MissingURL(t *testing.T) {
	client := NewGet(DefaultConfig())
	_, err := client.Invoke(context.Background(), map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidParam, core.KindOf(err))
}

func TestIsBlockedAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":     true,
		"10.0.0.5":      true,
		"192.168.1.1":   true,
		"169.254.1.1":   true,
		"8.8.8.8":        false,
		"93.184.216.34": false,
	}
	for addr, want := range cases {
		ip := net.ParseIP(addr)
		require.NotNil(t, ip)
		assert.Equal(t, want, isBlockedAddress(ip), addr)
	}
}
