package ssh

import (
	"fmt"
	"math/rand"
	"strings"
)

const (
	rootListing = "bin  boot  dev  etc  home  lib  lib64  lost+found  media  mnt  opt  proc  root  run  sbin  snap  srv  sys  tmp  usr  var"
	homeListing = "README.txt  logs  captures"
	kernel      = "6.14.0-35-generic #35-Ubuntu SMP PREEMPT_DYNAMIC Sat Oct 10 01:02:31 UTC 2025 x86_64 x86_64 x86_64 GNU/Linux"
)

// Result 是一个伪造命令的输出
type Result struct {
	Output string
	// Exit 为 true 时 shell 在输出后退出
	Exit bool
	// NotFound 为 true 时输出需要延迟发送，模拟 /bin/sh 查找命令
	NotFound bool
}

// Commands 是交互 shell 使用的罐头命令表。
type Commands struct {
	Hostname string
}

// NewCommands 使用随机的 "vps-xxxxxxxx" 主机名。
func NewCommands(rnd *rand.Rand) *Commands {
	return &Commands{Hostname: fmt.Sprintf("vps-%08x", rnd.Uint32())}
}

// Prompt returns the shell prompt.
func (c *Commands) Prompt() string {
	return "ubuntu@" + c.Hostname + ":~$ "
}

// Run 查表返回命令的输出。输出行以 \r\n 结尾。
func (c *Commands) Run(cmd string) Result {
	lower := strings.ToLower(cmd)
	switch {
	case lower == "":
		return Result{}
	case lower == "whoami":
		return Result{Output: "ubuntu\r\n"}
	case lower == "hostname":
		return Result{Output: c.Hostname + "\r\n"}
	case lower == "uname":
		return Result{Output: "Linux\r\n"}
	case lower == "uname -a":
		return Result{Output: "Linux " + c.Hostname + " " + kernel + "\r\n"}
	case lower == "ls /":
		return Result{Output: rootListing + "\r\n"}
	case strings.HasPrefix(lower, "ls"):
		return Result{Output: homeListing + "\r\n"}
	case strings.HasPrefix(lower, "cat "), strings.HasPrefix(lower, "sudo "), strings.HasPrefix(lower, "su "):
		return Result{Output: "Permission denied\r\n"}
	case lower == "exit", lower == "logout":
		return Result{Output: "logout\r\n", Exit: true}
	default:
		return Result{Output: cmd + ": command not found\r\n", NotFound: true}
	}
}

// ExecResult 是 exec 请求的 stdout/stderr/退出码
type ExecResult struct {
	Stdout string
	Stderr string
	Status uint32
}

// Exec emulates a single-shot command.
func Exec(cmd string) ExecResult {
	if cmd == "id" {
		return ExecResult{Stdout: "uid=1000(ubuntu) gid=1000(ubuntu) groups=1000(ubuntu)\n"}
	}
	return ExecResult{Stderr: "sh: " + cmd + ": command not found\n", Status: 127}
}
