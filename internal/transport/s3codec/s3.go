// Package s3codec adapts the AWS SDK's S3 client into a
// transport.Codec: PutObject for writes, ListObjectsV2 for pull-mode
// scanning, DeleteObject for delete_files_flag cleanup, following a
// plain S3 backend's request-object construction style.
package s3codec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/fdcore/dispatcher/internal/transport"
	"github.com/fdcore/dispatcher/lib/pacer"
)

// Codec implements transport.Codec against one S3 bucket.
type Codec struct {
	bucket string
	prefix string
	client *s3.S3
	pacer  *pacer.Pacer
}

// New returns a Codec targeting bucket, with keys rooted at prefix.
// Retries on transient S3 errors use the same decay/attack pacing
// AWS's own SDKs recommend for S3: no sleep while the endpoint stays
// healthy, capped exponential backoff on retry.
func New(bucket, prefix string) *Codec {
	p := pacer.New(pacer.RetriesOption(3))
	p.SetCalculator(pacer.NewS3())
	return &Codec{bucket: bucket, prefix: prefix, pacer: p}
}

// Connect builds a session and S3 client. host/port are unused (S3 is
// reached via its regional endpoint, carried in auth["endpoint"]/
// auth["region"]); auth carries "access_key_id"/"secret_access_key".
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	cfg := aws.NewConfig()
	if endpoint := auth["endpoint"]; endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	if region := auth["region"]; region != "" {
		cfg = cfg.WithRegion(region)
	}
	if auth["force_path_style"] != "" {
		cfg = cfg.WithS3ForcePathStyle(true)
	}
	if keyID := auth["access_key_id"]; keyID != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(keyID, auth["secret_access_key"], ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return fmt.Errorf("s3codec: new session: %w", err)
	}
	c.client = s3.New(sess)
	return nil
}

func (c *Codec) key(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}

// OpenWrite buffers the object in memory and issues one PutObject on
// Close, mirroring a singlepart PutObject upload for sizes known up
// front.
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	if c.client == nil {
		return nil, fmt.Errorf("s3codec: OpenWrite before Connect")
	}
	return &putWriter{codec: c, key: c.key(name), buf: bytes.NewBuffer(make([]byte, 0, size))}, nil
}

type putWriter struct {
	codec *Codec
	key   string
	buf   *bytes.Buffer
}

func (w *putWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *putWriter) Close() error {
	size := int64(w.buf.Len())
	return w.codec.pacer.Call(func() (bool, error) {
		req, _ := w.codec.client.PutObjectRequest(&s3.PutObjectInput{
			Bucket:        aws.String(w.codec.bucket),
			Key:           aws.String(w.key),
			Body:          bytes.NewReader(w.buf.Bytes()),
			ContentLength: aws.Int64(size),
		})
		if err := req.Send(); err != nil {
			return isRetriable(err), fmt.Errorf("s3codec: put %s: %w", w.key, err)
		}
		return false, nil
	})
}

// isRetriable treats AWS request failures carrying a 5xx status (or no
// status, e.g. a dial timeout) as transient; a nil error never retries.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	reqErr, ok := err.(awserr.RequestFailure)
	if !ok {
		return true
	}
	return reqErr.StatusCode() >= 500
}

// OpenRead issues a GetObject for name, the pull-mode counterpart of
// OpenWrite.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	if c.client == nil {
		return nil, fmt.Errorf("s3codec: OpenRead before Connect")
	}
	var body io.ReadCloser
	err := c.pacer.Call(func() (bool, error) {
		resp, err := c.client.GetObject(&s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(name)),
		})
		if err != nil {
			return isRetriable(err), err
		}
		body = resp.Body
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("s3codec: get %s: %w", name, err)
	}
	return body, nil
}

// List returns objects under dir (used as the key prefix), §4.5
// pull-mode scanning.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	if c.client == nil {
		return nil, fmt.Errorf("s3codec: List before Connect")
	}
	prefix := c.key(dir)
	var out []transport.ListEntry
	req := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}
	for {
		var resp *s3.ListObjectsV2Output
		err := c.pacer.Call(func() (bool, error) {
			var err error
			resp, err = c.client.ListObjectsV2WithContext(context.Background(), req)
			return isRetriable(err), err
		})
		if err != nil {
			return nil, fmt.Errorf("s3codec: list %s: %w", prefix, err)
		}
		for _, obj := range resp.Contents {
			out = append(out, transport.ListEntry{
				Name:      aws.StringValue(obj.Key),
				Size:      aws.Int64Value(obj.Size),
				Mtime:     aws.TimeValue(obj.LastModified),
				ExactSize: true,
				ExactDate: true,
			})
		}
		if aws.BoolValue(resp.IsTruncated) && resp.NextContinuationToken != nil {
			req.ContinuationToken = resp.NextContinuationToken
			continue
		}
		break
	}
	return out, nil
}

// Delete removes a remote object, used by delete_files_flag policies.
func (c *Codec) Delete(name string) error {
	if c.client == nil {
		return fmt.Errorf("s3codec: Delete before Connect")
	}
	err := c.pacer.Call(func() (bool, error) {
		_, err := c.client.DeleteObject(&s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(name)),
		})
		return isRetriable(err), err
	})
	if err != nil {
		return fmt.Errorf("s3codec: delete %s: %w", name, err)
	}
	return nil
}

// Quit is a no-op: the S3 client holds no persistent connection.
func (c *Codec) Quit() error { return nil }

// RefineMtime issues a HeadObject to refine a single entry's mtime,
// §4.5 step 3c.
func (c *Codec) RefineMtime(name string) (time.Time, error) {
	if c.client == nil {
		return time.Time{}, fmt.Errorf("s3codec: RefineMtime before Connect")
	}
	resp, err := c.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("s3codec: head %s: %w", name, err)
	}
	return aws.TimeValue(resp.LastModified), nil
}

var _ transport.Codec = (*Codec)(nil)
var _ transport.MtimeRefresher = (*Codec)(nil)
