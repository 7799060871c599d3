package main

import (
	"net"
	"os"
	"strconv"
	"time"
)

// stdioConn adapts the stdin/stdout pair a superserver hands us into a
// net.Conn, with the peer address taken from the TCPREMOTEIP/TCPREMOTEPORT
// environment.
type stdioConn struct {
	in     *os.File
	out    *os.File
	local  net.Addr
	remote net.Addr
}

func newStdioConn(remoteIP, remotePort string) *stdioConn {
	rport, _ := strconv.Atoi(remotePort)
	lport, _ := strconv.Atoi(os.Getenv("TCPLOCALPORT"))
	return &stdioConn{
		in:     os.Stdin,
		out:    os.Stdout,
		remote: &net.TCPAddr{IP: net.ParseIP(remoteIP), Port: rport},
		local:  &net.TCPAddr{IP: net.ParseIP(os.Getenv("TCPLOCALIP")), Port: lport},
	}
}

func (c *stdioConn) Read(b []byte) (int, error)  { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error) { return c.out.Write(b) }

func (c *stdioConn) Close() error {
	errIn := c.in.Close()
	errOut := c.out.Close()
	if errIn != nil {
		return errIn
	}
	return errOut
}

func (c *stdioConn) LocalAddr() net.Addr  { return c.local }
func (c *stdioConn) RemoteAddr() net.Addr { return c.remote }

func (c *stdioConn) SetDeadline(t time.Time) error {
	if err := c.in.SetReadDeadline(t); err != nil {
		return err
	}
	return c.out.SetWriteDeadline(t)
}

func (c *stdioConn) SetReadDeadline(t time.Time) error  { return c.in.SetReadDeadline(t) }
func (c *stdioConn) SetWriteDeadline(t time.Time) error { return c.out.SetWriteDeadline(t) }
