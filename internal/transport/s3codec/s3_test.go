package s3codec

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyJoinsPrefix(t *testing.T) {
	c := New("bucket", "inbox")
	assert.Equal(t, "inbox/report.csv", c.key("report.csv"))

	c = New("bucket", "")
	assert.Equal(t, "report.csv", c.key("report.csv"))
}

func TestIsRetriableNilNeverRetries(t *testing.T) {
	assert.False(t, isRetriable(nil))
}

func TestIsRetriableServerErrorRetries(t *testing.T) {
	err := awserr.NewRequestFailure(awserr.New("InternalError", "boom", nil), 500, "req-1")
	assert.True(t, isRetriable(err))
}

func TestIsRetriableClientErrorDoesNotRetry(t *testing.T) {
	err := awserr.NewRequestFailure(awserr.New("NoSuchKey", "missing", nil), 404, "req-2")
	assert.False(t, isRetriable(err))
}

// newTestCodec points a Codec at an httptest server using path-style
// addressing and dummy static credentials, mirroring how a plain S3
// backend's integration tests target a local endpoint.
func newTestCodec(t *testing.T, srv *httptest.Server) *Codec {
	t.Helper()
	c := New("bucket", "")
	require.NoError(t, c.Connect("", 0, map[string]string{
		"endpoint":          srv.URL,
		"region":            "us-east-1",
		"force_path_style":  "1",
		"access_key_id":     "AKIDEXAMPLE",
		"secret_access_key": "secret",
	}))
	return c
}

func TestOpenWriteClosePutsObject(t *testing.T) {
	var gotBody []byte
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestCodec(t, srv)
	w, err := c.OpenWrite("report.csv", 5)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "hello", string(gotBody))
	assert.Contains(t, gotPath, "report.csv")
}

func TestDeleteReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestCodec(t, srv)
	assert.Error(t, c.Delete("report.csv"))
}
