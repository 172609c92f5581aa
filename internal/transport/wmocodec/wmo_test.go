package wmocodec

import (
	"bufio"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) (addr string, received chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	received = make(chan []byte, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		received <- append([]byte(nil), buf[:n]...)
		conn.Close()
		ln.Close()
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), received
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestOpenWriteSendsRawBytesWithoutHeader(t *testing.T) {
	addr, received := startEchoServer(t)
	host, port := splitHostPort(t, addr)

	c := New(false)
	require.NoError(t, c.Connect(host, port, nil))
	w, err := c.OpenWrite("bulletin.txt", 5)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got := <-received
	assert.Equal(t, "hello", string(got))
}

func TestOpenWritePrependsFileNameHeaderWhenConfigured(t *testing.T) {
	addr, received := startEchoServer(t)
	host, port := splitHostPort(t, addr)

	c := New(true)
	require.NoError(t, c.Connect(host, port, nil))
	w, err := c.OpenWrite("bulletin.txt", 5)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got := <-received
	assert.Equal(t, "bulletin.txt\nhello", string(got))
}

func TestQuitClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = bufio.NewReader(conn).ReadByte()
		conn.Close()
	}()
	host, port := splitHostPort(t, ln.Addr().String())

	c := New(false)
	require.NoError(t, c.Connect(host, port, nil))
	require.NoError(t, c.Quit())
	assert.Nil(t, c.conn)
}
