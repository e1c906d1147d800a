package ssh

import (
	"bytes"
	"io"
	"time"

	"github.com/neophob/fw-honeypot/internal/honeypot"
)

const (
	keyCtrlC     = 0x03
	keyCtrlD     = 0x04
	keyBackspace = 0x08
	keyTab       = 0x09
	keyCtrlL     = 0x0c
	keyEscape    = 0x1b
	keyDelete    = 0x7f
)

// Shell 是一个假的交互 shell，逐字节处理输入。
type Shell struct {
	rw   io.ReadWriter
	c    *honeypot.Conn
	cmds *Commands
	now  func() time.Time

	line []byte
	// esc: 0 正常, 1 收到 ESC, 2 收到 ESC [
	esc int
}

func NewShell(rw io.ReadWriter, c *honeypot.Conn, cmds *Commands) *Shell {
	return &Shell{rw: rw, c: c, cmds: cmds, now: time.Now}
}

// Run 写出 MOTD 和提示符，然后处理输入直到 Ctrl-D、exit 或读错误。
func (sh *Shell) Run() {
	sh.write("Ubuntu 20.04.6 LTS\r\n")
	sh.write("Welcome to Ubuntu\r\n\n")
	sh.write("Last login: " + sh.now().Format("Mon Jan _2 15:04:05 2006") + " from " + sh.c.IP + "\r\n")
	sh.write(sh.cmds.Prompt())
	sh.c.Track([]byte(", Shell commands executed: "))

	buf := make([]byte, 1024)
	for {
		n, err := sh.rw.Read(buf)
		for _, b := range buf[:n] {
			if sh.feed(b) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				sh.c.Log.Debug().Err(err).Msg("SSH: shell read error")
			}
			return
		}
	}
}

// feed 处理一个字节，返回 true 表示 shell 结束。
func (sh *Shell) feed(b byte) bool {
	switch sh.esc {
	case 1:
		if b == '[' {
			sh.esc = 2
		} else {
			sh.esc = 0
		}
		return false
	case 2:
		// 方向键等序列的结束字节
		sh.esc = 0
		return false
	}

	switch b {
	case keyEscape:
		sh.esc = 1
	case keyCtrlC:
		sh.write("^C\r\n")
		sh.line = sh.line[:0]
		sh.write(sh.cmds.Prompt())
	case keyCtrlD:
		return true
	case keyTab, keyCtrlL:
	case keyBackspace, keyDelete:
		if len(sh.line) > 0 {
			sh.line = sh.line[:len(sh.line)-1]
			sh.write("\b \b")
		}
	case '\r', '\n':
		sh.write("\r\n")
		cmd := string(bytes.TrimSpace(sh.line))
		sh.line = sh.line[:0]
		return sh.execute(cmd)
	default:
		sh.line = append(sh.line, b)
		sh.rw.Write([]byte{b})
	}
	return false
}

func (sh *Shell) execute(cmd string) bool {
	if cmd != "" {
		sh.c.Log.Info().Str("command", cmd).Msg("SSH: shell command")
		sh.c.Track([]byte(`"` + cmd + `", `))
		sh.c.Count("SHELL_COMMAND")
	}

	res := sh.cmds.Run(cmd)
	if res.NotFound {
		if err := sh.c.Env().Delay.Delay(sh.c.Context(), 200*time.Millisecond, 950*time.Millisecond); err != nil {
			return true
		}
	}
	sh.write(res.Output)
	if res.Exit {
		return true
	}
	sh.write(sh.cmds.Prompt())
	return false
}

func (sh *Shell) write(s string) {
	if s == "" {
		return
	}
	io.WriteString(sh.rw, s)
}
