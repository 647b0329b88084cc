package pipeline

import (
	"bytes"
	"math"
	"sort"
)

// 入库时的本地特征检查：签名命中与高熵负载只作为风险信号记录，
// 最终裁决仍由威胁检测服务给出。
var signaturePatterns = map[string][]byte{
	"drainer_sweep":    []byte("sweepAllTokens"),
	"drainer_approve":  []byte("setApprovalForAll"),
	"callhome_beacon":  []byte("POST /beacon"),
	"callhome_webhook": []byte("discord.com/api/webhooks"),
	"keylogger_hook":   []byte("GetAsyncKeyState"),
}

// executableHeaders 是入口处直接拒收的负载文件头。
// 数字资产凭据不会是可执行文件，出现这些头必然是投毒。
var executableHeaders = map[string][]byte{
	"pe_executable":  []byte("MZ"),
	"elf_executable": {0x7f, 'E', 'L', 'F'},
	"macho_64":       {0xcf, 0xfa, 0xed, 0xfe},
}

// highEntropyThreshold 以 bits/byte 计。接近 8 意味着负载近乎随机，
// 常见于打包或加密过的恶意载荷。
const highEntropyThreshold = 7.5

// criticalPrescreen 返回负载命中的致命信号，命中即在入口拒收。
func criticalPrescreen(payload []byte) string {
	for name, header := range executableHeaders {
		if bytes.HasPrefix(payload, header) {
			return "header:" + name
		}
	}
	return ""
}

// prescreenSignals 返回负载命中的本地风险信号。
func prescreenSignals(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	var signals []string
	for name, pattern := range signaturePatterns {
		if bytes.Contains(payload, pattern) {
			signals = append(signals, "signature:"+name)
		}
	}
	if len(payload) >= 64 && shannonEntropy(payload) >= highEntropyThreshold {
		signals = append(signals, "high_entropy")
	}
	sort.Strings(signals)
	return signals
}

// shannonEntropy 计算字节分布的香农熵（bits/byte）。
func shannonEntropy(payload []byte) float64 {
	var freq [256]int
	for _, b := range payload {
		freq[b]++
	}
	total := float64(len(payload))
	entropy := 0.0
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
