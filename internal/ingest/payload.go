package ingest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// PayloadKind 载荷归一化结果类别
type PayloadKind int

const (
	PayloadRaw PayloadKind = iota
	PayloadNumeric
	PayloadPower
)

// ParsedPayload 归一化后的载荷（tagged variant）
// Numeric: 纯数值读数; Power: 提取出的POWER键状态; Raw: 无法结构化的原始串
type ParsedPayload struct {
	Kind    PayloadKind
	Numeric float64
	Power   map[string]bool
	Raw     string
}

var (
	powerEntryPattern = regexp.MustCompile(`^POWER\d*$`)
	// 非JSON载荷的 KEY:VALUE / KEY=VALUE 对提取回退（键值两侧引号可选）
	kvPairPattern = regexp.MustCompile(`"?([A-Za-z0-9_]+)"?\s*[:=]\s*"?([A-Za-z0-9_.+-]+)"?`)
)

// ParsePayload 归一化原始载荷
// 数值 → Numeric；JSON对象 → 提取POWER键；坏JSON → 正则KV回退；否则Raw
func ParsePayload(raw string) ParsedPayload {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ParsedPayload{Kind: PayloadRaw, Raw: raw}
	}

	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return ParsedPayload{Kind: PayloadNumeric, Numeric: v, Raw: raw}
	}

	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			if power := extractPowerKeys(obj); len(power) > 0 {
				return ParsedPayload{Kind: PayloadPower, Power: power, Raw: raw}
			}
			return ParsedPayload{Kind: PayloadRaw, Raw: raw}
		}
		// 坏JSON：正则提取KV对
		if power := extractPowerPairs(trimmed); len(power) > 0 {
			return ParsedPayload{Kind: PayloadPower, Power: power, Raw: raw}
		}
	}

	return ParsedPayload{Kind: PayloadRaw, Raw: raw}
}

// NormalizeBool 解析开关值：ON/1/true → true，OFF/0/false → false
func NormalizeBool(s string) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON", "1", "TRUE":
		return true, true
	case "OFF", "0", "FALSE":
		return false, true
	}
	return false, false
}

// extractPowerKeys 从JSON对象递归提取POWER/POWER<n>键
func extractPowerKeys(obj map[string]interface{}) map[string]bool {
	out := make(map[string]bool)
	var walk func(m map[string]interface{})
	walk = func(m map[string]interface{}) {
		for k, v := range m {
			upper := strings.ToUpper(k)
			if powerEntryPattern.MatchString(upper) {
				switch val := v.(type) {
				case string:
					if b, ok := NormalizeBool(val); ok {
						out[upper] = b
					}
				case bool:
					out[upper] = val
				case float64:
					out[upper] = val != 0
				}
				continue
			}
			if nested, ok := v.(map[string]interface{}); ok {
				walk(nested)
			}
		}
	}
	walk(obj)
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractPowerPairs 正则回退：从非法JSON文本中提取POWER键值对
func extractPowerPairs(s string) map[string]bool {
	out := make(map[string]bool)
	for _, match := range kvPairPattern.FindAllStringSubmatch(s, -1) {
		key := strings.ToUpper(match[1])
		if !powerEntryPattern.MatchString(key) {
			continue
		}
		if b, ok := NormalizeBool(match[2]); ok {
			out[key] = b
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
