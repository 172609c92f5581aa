// Package sftpcodec adapts golang.org/x/crypto/ssh + github.com/pkg/sftp
// into a transport.Codec, following the dial-once/reuse discipline of a
// plain SFTP backend: one ssh.Client plus one sftp.Client shared across
// a worker's file loop, with per-host dial serialization via dialpool.
package sftpcodec

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/sftp"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"

	"github.com/fdcore/dispatcher/internal/transport"
)

// Codec implements transport.Codec over a single SFTP session.
type Codec struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	dialPool   *DialPool
}

// New returns an unconnected Codec, serializing dials on the given pool
// to avoid hammering one host with concurrent handshakes.
func New(pool *DialPool) *Codec {
	return &Codec{dialPool: pool}
}

// Connect dials host:port and authenticates using auth["user"]/
// auth["key"] (a PEM private key) or auth["pass"].
func (c *Codec) Connect(host string, port int, auth map[string]string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	if c.dialPool != nil {
		c.dialPool.Lock(addr)
		defer c.dialPool.Unlock(addr)
	}

	config, err := authConfig(auth)
	if err != nil {
		return fmt.Errorf("sftpcodec: build auth config: %w", err)
	}

	sshConn, err := ssh.Dial("tcp", addr, config)
	if c.dialPool != nil {
		c.dialPool.RecordResult(addr, err)
	}
	if err != nil {
		return fmt.Errorf("sftpcodec: dial %s: %w", addr, err)
	}
	sftpClient, err := sftp.NewClient(sshConn)
	if err != nil {
		_ = sshConn.Close()
		return fmt.Errorf("sftpcodec: open sftp session on %s: %w", addr, err)
	}
	c.sshClient = sshConn
	c.sftpClient = sftpClient
	return nil
}

func authConfig(auth map[string]string) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:            auth["user"],
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	if keyPEM := auth["key"]; keyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(signer))
	}
	if pass, ok := auth["pass"]; ok {
		config.Auth = append(config.Auth, ssh.Password(pass))
	}
	if auth["key"] == "" && auth["pass"] == "" {
		if signers, err := agentSigners(); err == nil {
			config.Auth = append(config.Auth, ssh.PublicKeys(signers...))
		}
	}
	return config, nil
}

// agentSigners dials the host's running ssh-agent when no key or
// password is configured for the host, §3's "leave blank to use
// ssh-agent" convention.
func agentSigners() ([]ssh.Signer, error) {
	client, _, err := sshagent.New()
	if err != nil {
		return nil, fmt.Errorf("connect to ssh-agent: %w", err)
	}
	signers, err := client.Signers()
	if err != nil {
		return nil, fmt.Errorf("read ssh-agent signers: %w", err)
	}
	return signers, nil
}

// OpenWrite creates name for writing, truncating any existing object.
func (c *Codec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	if c.sftpClient == nil {
		return nil, fmt.Errorf("sftpcodec: OpenWrite before Connect")
	}
	f, err := c.sftpClient.Create(name)
	if err != nil {
		return nil, fmt.Errorf("sftpcodec: create %s: %w", name, err)
	}
	return f, nil
}

// OpenRead opens name for reading, the pull-mode counterpart of
// OpenWrite.
func (c *Codec) OpenRead(name string) (io.ReadCloser, error) {
	if c.sftpClient == nil {
		return nil, fmt.Errorf("sftpcodec: OpenRead before Connect")
	}
	f, err := c.sftpClient.Open(name)
	if err != nil {
		return nil, fmt.Errorf("sftpcodec: open %s: %w", name, err)
	}
	return f, nil
}

// List returns dir's entries via SFTP READDIR, §4.5 pull-mode scanning.
func (c *Codec) List(dir string) ([]transport.ListEntry, error) {
	if c.sftpClient == nil {
		return nil, fmt.Errorf("sftpcodec: List before Connect")
	}
	infos, err := c.sftpClient.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sftpcodec: readdir %s: %w", dir, err)
	}
	out := make([]transport.ListEntry, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		out = append(out, transport.ListEntry{
			Name:      fi.Name(),
			Size:      fi.Size(),
			Mtime:     fi.ModTime(),
			ExactSize: true,
			ExactDate: true,
		})
	}
	return out, nil
}

// Delete removes a remote file, used by delete_files_flag policies.
func (c *Codec) Delete(name string) error {
	if c.sftpClient == nil {
		return fmt.Errorf("sftpcodec: Delete before Connect")
	}
	return c.sftpClient.Remove(name)
}

// Quit closes the SFTP session and underlying ssh connection.
func (c *Codec) Quit() error {
	var firstErr error
	if c.sftpClient != nil {
		firstErr = c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.sshClient != nil {
		if err := c.sshClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.sshClient = nil
	}
	return firstErr
}

var _ transport.Codec = (*Codec)(nil)
