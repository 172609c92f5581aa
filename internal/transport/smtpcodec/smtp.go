// Package smtpcodec implements a transport.Codec that delivers each
// file as a MIME attachment over SMTP. No repository in the pack wraps
// mail transport, so this codec is built directly on stdlib net/smtp
// (justified stdlib use, see DESIGN.md).
package smtpcodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/smtp"
	"time"

	"github.com/fdcore/dispatcher/internal/transport"
)

// Codec implements transport.Codec over SMTP, one message per file.
type Codec struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	subject  string
}

// New returns an unconnected Codec. from/to/subject describe the
// envelope used for every delivered file.
func New(from string, to []string, subject string) *Codec {
	return &Codec{from: from, to: to, subject: subject}
}

// Connect records host:port and builds PLAIN auth from
// auth["user"]/auth["pass"].
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	c.addr = fmt.Sprintf("%s:%d", host, port)
	if user, ok := auth["user"]; ok {
		c.auth = smtp.PlainAuth("", user, auth["pass"], host)
	}
	return nil
}

// OpenWrite buffers the file and sends it as a base64 attachment on
// Close, §4.6 step 4d treats this buffering as the "block_size chunks"
// streamed into a single outbound message.
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	if c.addr == "" {
		return nil, fmt.Errorf("smtpcodec: OpenWrite before Connect")
	}
	return &mailWriter{codec: c, name: name, buf: bytes.NewBuffer(make([]byte, 0, size))}, nil
}

type mailWriter struct {
	codec *Codec
	name  string
	buf   *bytes.Buffer
}

func (w *mailWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mailWriter) Close() error {
	var msg bytes.Buffer
	boundary := fmt.Sprintf("afd-%d", time.Now().UnixNano())
	fmt.Fprintf(&msg, "From: %s\r\n", w.codec.from)
	fmt.Fprintf(&msg, "To: %s\r\n", joinAddrs(w.codec.to))
	fmt.Fprintf(&msg, "Subject: %s\r\n", w.codec.subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: application/octet-stream\r\n")
	fmt.Fprintf(&msg, "Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(&msg, "Content-Disposition: attachment; filename=%q\r\n\r\n", w.name)
	encoded := base64.StdEncoding.EncodeToString(w.buf.Bytes())
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		msg.WriteString(encoded[i:end])
		msg.WriteString("\r\n")
	}
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	err := smtp.SendMail(w.codec.addr, w.codec.auth, w.codec.from, w.codec.to, msg.Bytes())
	if err != nil {
		return fmt.Errorf("smtpcodec: send %s: %w", w.name, err)
	}
	return nil
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

// List is unsupported: SMTP is a push-only destination.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	return nil, fmt.Errorf("smtpcodec: List not supported")
}

// OpenRead is unsupported: SMTP is a push-only destination.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("smtpcodec: OpenRead not supported")
}

// Delete is unsupported: delivered mail cannot be recalled.
func (c *Codec) Delete(name string) error {
	return fmt.Errorf("smtpcodec: Delete not supported")
}

// Quit is a no-op: each file opens its own short-lived SMTP session.
func (c *Codec) Quit() error { return nil }

var _ transport.Codec = (*Codec)(nil)
