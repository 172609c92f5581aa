// Package httpcodec implements a transport.Codec over plain HTTP PUT,
// signing each request with an AWS SigV4 auth line, §6 "Protocol
// authorization". net/http is stdlib; no pack dependency covers a bare
// HTTP client the way backend/s3 covers S3 specifically, so this codec
// is hand-assembled rather than library-wrapped (see DESIGN.md).
package httpcodec

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fdcore/dispatcher/internal/transport"
	"github.com/fdcore/dispatcher/lib/pacer"
)

// Codec implements transport.Codec over HTTP PUT, signing with SigV4.
type Codec struct {
	baseURL string
	client  *http.Client
	pacer   *pacer.Pacer

	accessKeyID     string
	secretAccessKey string
	region          string
	service         string
}

// New returns an unconnected Codec. Retries use the AzureIMDS
// calculator (no sleep on success, doubling plus a fixed 2s step on
// retry) since this codec talks to one bare HTTP endpoint rather than
// a connection-pooled client library with its own backoff.
func New() *Codec {
	p := pacer.New(pacer.RetriesOption(3))
	p.SetCalculator(pacer.NewAzureIMDS())
	return &Codec{client: &http.Client{Timeout: 30 * time.Second}, pacer: p}
}

// Connect records the destination base URL and signing credentials.
// host/port form the base URL; auth carries access_key_id/
// secret_access_key/region/service.
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	c.baseURL = fmt.Sprintf("https://%s:%d", host, port)
	c.accessKeyID = auth["access_key_id"]
	c.secretAccessKey = auth["secret_access_key"]
	c.region = auth["region"]
	c.service = auth["service"]
	return nil
}

// OpenWrite buffers the body and issues one signed PUT on Close.
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	return &putWriter{codec: c, name: name, buf: bytes.NewBuffer(make([]byte, 0, size))}, nil
}

type putWriter struct {
	codec *Codec
	name  string
	buf   *bytes.Buffer
}

func (w *putWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *putWriter) Close() error {
	return w.codec.pacer.Call(func() (bool, error) {
		url := w.codec.baseURL + "/" + w.name
		req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(w.buf.Bytes()))
		if err != nil {
			return false, fmt.Errorf("httpcodec: build request for %s: %w", w.name, err)
		}
		w.codec.sign(req, w.buf.Bytes())

		resp, err := w.codec.client.Do(req)
		if err != nil {
			return true, fmt.Errorf("httpcodec: put %s: %w", w.name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return true, fmt.Errorf("httpcodec: put %s: remote status %s", w.name, resp.Status)
		}
		if resp.StatusCode >= 300 {
			return false, fmt.Errorf("httpcodec: put %s: remote status %s", w.name, resp.Status)
		}
		return false, nil
	})
}

// sign attaches the x-amz-date/x-amz-content-sha256/Authorization
// headers per §6's worked SigV4 auth-line format.
func (c *Codec) sign(req *http.Request, body []byte) {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	payloadHash := hex.EncodeToString(sha256Sum(body))

	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("x-amz-content-sha256", payloadHash)

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, c.region, c.service)
	signature := c.signature(req, amzDate, dateStamp, payloadHash)

	auth := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=%s",
		c.accessKeyID, credentialScope, signature,
	)
	req.Header.Set("Authorization", auth)
}

func (c *Codec) signature(req *http.Request, amzDate, dateStamp, payloadHash string) string {
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n", req.URL.Host, payloadHash, amzDate)
	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalRequest := fmt.Sprintf("%s\n%s\n\n%s\n%s\n%s", req.Method, req.URL.Path, canonicalHeaders, signedHeaders, payloadHash)

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, c.region, c.service)
	stringToSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s", amzDate, credentialScope, hex.EncodeToString(sha256Sum([]byte(canonicalRequest))))

	signingKey := c.deriveSigningKey(dateStamp)
	return hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
}

func (c *Codec) deriveSigningKey(dateStamp string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+c.secretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.region)
	kService := hmacSHA256(kRegion, c.service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// List is unsupported: HTTP PUT destinations have no standard directory
// listing, so this codec serves push-mode destinations only.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	return nil, fmt.Errorf("httpcodec: List not supported")
}

// OpenRead is unsupported for the same reason as List.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("httpcodec: OpenRead not supported")
}

// Delete issues a signed HTTP DELETE.
func (c *Codec) Delete(name string) error {
	return c.pacer.Call(func() (bool, error) {
		url := c.baseURL + "/" + name
		req, err := http.NewRequest(http.MethodDelete, url, nil)
		if err != nil {
			return false, fmt.Errorf("httpcodec: build delete for %s: %w", name, err)
		}
		c.sign(req, nil)
		resp, err := c.client.Do(req)
		if err != nil {
			return true, fmt.Errorf("httpcodec: delete %s: %w", name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return true, fmt.Errorf("httpcodec: delete %s: remote status %s", name, resp.Status)
		}
		if resp.StatusCode >= 300 {
			return false, fmt.Errorf("httpcodec: delete %s: remote status %s", name, resp.Status)
		}
		return false, nil
	})
}

// Quit is a no-op: http.Client holds no persistent connection state
// this codec needs to release explicitly.
func (c *Codec) Quit() error { return nil }

var _ transport.Codec = (*Codec)(nil)
