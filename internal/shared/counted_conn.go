package shared

import (
	"net"

	"github.com/neophob/fw-honeypot/internal/shared/metrics"
)

// CountedConn 是一个 net.Conn 的包装器，把收发字节数计入 metrics。
type CountedConn struct {
	net.Conn
	service string
	metrics *metrics.Service
}

// NewCountedConn 创建一个新的 CountedConn 实例。
func NewCountedConn(conn net.Conn, service string, m *metrics.Service) *CountedConn {
	return &CountedConn{
		Conn:    conn,
		service: service,
		metrics: m,
	}
}

// Read 从底层连接读取数据，并增加入站流量计数。
func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.metrics.AddBytes(c.service, "in", n)
	}
	return n, err
}

// Write 将数据写入底层连接，并增加出站流量计数。
func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.metrics.AddBytes(c.service, "out", n)
	}
	return n, err
}
