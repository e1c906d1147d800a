package honeypot

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

const readBufferSize = 4096

// Stub 是一个协议的逐连接状态机。它只被一个 goroutine 访问，
// 不依赖 socket，可以直接用字节切片做单元测试。
type Stub interface {
	// OnConnect 返回连接建立后立即发送的字节 (banner)，可以为空。
	OnConnect() []byte
	// OnData 处理一个入站数据块。done 为 true 时在写出 reply 后关闭连接。
	// 畸形输入必须被忽略而不是返回错误。
	OnData(data []byte) (reply []byte, done bool)
	// OnClose 在连接关闭时调用一次。
	OnClose()
}

// StubFactory creates the state machine for one connection.
type StubFactory func(c *Conn) Stub

// StubHandler drives a Stub with a blocking read loop.
type StubHandler struct {
	New StubFactory
	// Idle 是空闲超时，每次读到数据后重新计时。
	Idle time.Duration
	// Lifetime 是连接的绝对存活时间，0 表示不限制。
	Lifetime time.Duration
}

func (h StubHandler) ServeConn(c *Conn) {
	stub := h.New(c)
	defer stub.OnClose()

	var hardDeadline time.Time
	if h.Lifetime > 0 {
		hardDeadline = time.Now().Add(h.Lifetime)
		c.SetDeadline(hardDeadline)
	}

	if banner := stub.OnConnect(); len(banner) > 0 {
		if _, err := c.Write(banner); err != nil {
			c.Log.Debug().Err(err).Msg("Failed to write banner")
			return
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		if h.Idle > 0 {
			deadline := time.Now().Add(h.Idle)
			if !hardDeadline.IsZero() && hardDeadline.Before(deadline) {
				deadline = hardDeadline
			}
			c.SetReadDeadline(deadline)
		}

		n, err := c.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			c.Count("DATA")
			c.Log.Debug().Hex("data", chunk).Msg("Data received")
			c.Track(chunk)

			reply, done := stub.OnData(chunk)
			if len(reply) > 0 {
				if _, werr := c.Write(reply); werr != nil {
					c.Log.Debug().Err(werr).Msg("Failed to write reply")
					return
				}
			}
			if done {
				return
			}
		}
		if err != nil {
			logReadError(c, err)
			return
		}
	}
}

func logReadError(c *Conn, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.Log.Debug().Msg("Connection closed by peer")
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.Log.Debug().Msg("Connection timed out")
		c.Count("TIMEOUT")
	default:
		c.Log.Debug().Err(err).Msg("Socket error")
		c.Count("ERROR")
		c.Env().Metrics.AddError(c.Service + "_SOCKET_ERROR#" + err.Error())
	}
}
