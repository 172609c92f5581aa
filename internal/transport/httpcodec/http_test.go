package httpcodec

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseSendsSignedPutAndSucceeds(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		assert.NotEmpty(t, r.Header.Get("x-amz-date"))
		assert.NotEmpty(t, r.Header.Get("x-amz-content-sha256"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c := New()
	require.NoError(t, c.Connect(u.Hostname(), port, map[string]string{
		"access_key_id":     "AKIDEXAMPLE",
		"secret_access_key": "secret",
		"region":            "us-east-1",
		"service":           "s3",
	}))
	c.baseURL = srv.URL

	w, err := c.OpenWrite("report.csv", 5)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "hello", string(gotBody))
	assert.Contains(t, gotAuth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/")
	assert.Contains(t, gotAuth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
}

func TestCloseReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	c := New()
	require.NoError(t, c.Connect(u.Hostname(), port, map[string]string{"access_key_id": "x", "secret_access_key": "y", "region": "r", "service": "s"}))
	c.baseURL = srv.URL

	w, err := c.OpenWrite("report.csv", 0)
	require.NoError(t, err)
	assert.Error(t, w.Close())
}
