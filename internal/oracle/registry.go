package oracle

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "custody-pipeline/internal/errors"
)

// ErrNoOracleForKind 表示没有任何估价服务覆盖该资产类型。
var ErrNoOracleForKind = xerrors.New(xerrors.CodeOracleFailure, "该资产类型没有可用的估价服务")

// EndpointDefinitions models the structure of configs/oracles.yaml.
type EndpointDefinitions struct {
	Oracles map[string]EndpointDefinition `yaml:"oracles"`
}

// EndpointDefinition describes a single external service endpoint.
type EndpointDefinition struct {
	// Type is one of "threat", "value", "wallet" or "gateway". The
	// "wallet" type is appraised on-chain: URL is an Ethereum RPC endpoint.
	Type        string   `yaml:"type"`
	URL         string   `yaml:"url"`
	APIKey      string   `yaml:"api_key"`
	Kinds       []string `yaml:"kinds"`
	Description string   `yaml:"description"`
}

// LoadEndpointDefinitions parses the YAML file containing oracle endpoint metadata.
func LoadEndpointDefinitions(path string) (EndpointDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return EndpointDefinitions{Oracles: map[string]EndpointDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return EndpointDefinitions{}, fmt.Errorf("读取 oracle 配置失败: %w", err)
	}

	var defs EndpointDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return EndpointDefinitions{}, fmt.Errorf("解析 oracle 配置失败: %w", err)
	}
	if defs.Oracles == nil {
		defs.Oracles = map[string]EndpointDefinition{}
	}
	return defs, nil
}

// Definition 按名称返回端点定义。
func (d EndpointDefinitions) Definition(name string) (EndpointDefinition, bool) {
	def, ok := d.Oracles[name]
	return def, ok
}

// ByType 返回指定类型的全部端点定义。
func (d EndpointDefinitions) ByType(kind string) map[string]EndpointDefinition {
	result := make(map[string]EndpointDefinition)
	for name, def := range d.Oracles {
		if strings.EqualFold(strings.TrimSpace(def.Type), kind) {
			result[name] = def
		}
	}
	return result
}
