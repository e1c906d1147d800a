package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
)

const hostKeyBits = 2048

// LoadOrGenerateHostKey 从 PEM 文件加载主机密钥，不存在或无法解析时生成新的 RSA 密钥并写入。
// path 为空时只生成内存中的密钥。
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if signer, err := ssh.ParsePrivateKey(data); err == nil {
				return signer, nil
			}
			logger.Warn().Str("path", path).Msg("SSH: host key unreadable, generating a new one")
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, hostKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	if path != "" {
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			return nil, fmt.Errorf("failed to write host key %s: %w", path, err)
		}
		logger.Info().Str("path", path).Msg("SSH: generated new host key")
	}
	return ssh.NewSignerFromKey(key)
}
