package ssh

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/neophob/fw-honeypot/internal/honeypot"
)

const authMethodKey = "auth-method"

var errAuthFailed = errors.New("permission denied")

// authenticator 实现一个连接的认证回调。
// "none" 由 x/crypto/ssh 自动拒绝并返回可用方法列表。
type authenticator struct {
	c      *honeypot.Conn
	policy honeypot.Policy
}

func (a *authenticator) delay(min, max time.Duration) error {
	return a.c.Env().Delay.Delay(a.c.Context(), min, max)
}

func (a *authenticator) decide(method string) (*ssh.Permissions, error) {
	if a.policy.Accept(method) {
		a.c.Log.Info().Str("method", method).Msg("SSH: auth accepted")
		return &ssh.Permissions{Extensions: map[string]string{authMethodKey: method}}, nil
	}
	return nil, errAuthFailed
}

func (a *authenticator) password(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	a.c.Log.Info().
		Str("user", meta.User()).
		Str("password", string(password)).
		Str("client_version", string(meta.ClientVersion())).
		Msg("SSH: password attempt")
	a.c.Count("AUTH_PASSWORD")
	a.c.Track([]byte(fmt.Sprintf("password %s:%s, ", meta.User(), password)))

	if err := a.delay(500*time.Millisecond, 1500*time.Millisecond); err != nil {
		return nil, err
	}
	return a.decide("password")
}

func (a *authenticator) keyboardInteractive(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	answers, err := challenge(meta.User(), "", []string{"Password: "}, []bool{false})
	if err != nil {
		return nil, err
	}
	a.c.Log.Info().Str("user", meta.User()).Strs("answers", answers).Msg("SSH: keyboard-interactive attempt")
	a.c.Count("AUTH_KEYBOARD_INTERACTIVE")
	for _, ans := range answers {
		a.c.Track([]byte(fmt.Sprintf("keyboard-interactive %s:%s, ", meta.User(), ans)))
	}

	if err := a.delay(500*time.Millisecond, 3500*time.Millisecond); err != nil {
		return nil, err
	}
	return a.decide("keyboard-interactive")
}

// publicKey 在签名校验之前被调用，此时还不知道客户端是否持有私钥;
// 签名结果在 authLog 中记录。
func (a *authenticator) publicKey(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	a.c.Log.Info().
		Str("user", meta.User()).
		Str("algo", key.Type()).
		Str("blob", base64.StdEncoding.EncodeToString(key.Marshal())).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Bool("signature_present", false).
		Msg("SSH: publickey offered")
	a.c.Count("AUTH_PUBLIC_KEY")

	if err := a.delay(500*time.Millisecond, 1500*time.Millisecond); err != nil {
		return nil, err
	}
	return &ssh.Permissions{Extensions: map[string]string{authMethodKey: "publickey"}}, nil
}

func (a *authenticator) authLog(meta ssh.ConnMetadata, method string, err error) {
	switch {
	case method == "none":
		a.c.Count("AUTH_NONE")
		a.c.Log.Debug().Str("user", meta.User()).Msg("SSH: auth none rejected")
	case method == "publickey" && err == nil:
		a.c.Log.Info().Str("user", meta.User()).Bool("signature_present", true).Msg("SSH: publickey signature verified")
	case err != nil:
		a.c.Log.Debug().Str("user", meta.User()).Str("method", method).Err(err).Msg("SSH: auth failed")
	}
}
