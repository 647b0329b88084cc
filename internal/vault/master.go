package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	xerrors "custody-pipeline/internal/errors"
)

// masterKeySize AES-256 要求 32 字节密钥。
const masterKeySize = 32

// MasterKey 是封存库的根密钥，进程启动时加载一次，永不写入日志。
type MasterKey struct {
	key []byte
}

// LoadMasterKey 依次尝试从环境变量与密钥文件加载根密钥。
// 支持 base64 与 hex 两种编码。
func LoadMasterKey(envName, path string) (MasterKey, error) {
	if envName != "" {
		if raw := strings.TrimSpace(os.Getenv(envName)); raw != "" {
			return decodeMasterKey(raw)
		}
	}
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return MasterKey{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取根密钥文件失败")
		}
		return decodeMasterKey(strings.TrimSpace(string(content)))
	}
	return MasterKey{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置封存库根密钥")
}

func decodeMasterKey(raw string) (MasterKey, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == masterKeySize {
		return MasterKey{key: decoded}, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == masterKeySize {
		return MasterKey{key: decoded}, nil
	}
	return MasterKey{}, xerrors.New(xerrors.CodeInitializationFailure,
		fmt.Sprintf("根密钥必须是 %d 字节的 base64 或 hex 编码", masterKeySize))
}

// GenerateMasterKey 生成随机根密钥并返回 base64 编码，供部署时写入配置。
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("生成根密钥失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Valid 判断密钥是否已加载。
func (m MasterKey) Valid() bool {
	return len(m.key) == masterKeySize
}

// String 避免密钥被意外打印。
func (m MasterKey) String() string {
	return "MasterKey(redacted)"
}
