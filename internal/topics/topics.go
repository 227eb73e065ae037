package topics

import (
	"regexp"
	"strings"
	"sync"
)

// Kind 主题末段决定的消息类别
type Kind string

const (
	KindSensor Kind = "Sensor"
	KindTarget Kind = "Target"
	KindState  Kind = "State"
	KindResult Kind = "Result"
	KindPower  Kind = "Power" // POWER / POWER<n> 命令响应
)

// 保留分组前缀（$SYS 等系统主题不参与分组索引）
const ReservedGroupPrefix = "$"

var powerKeyPattern = regexp.MustCompile(`^(?i)POWER(\d*)$`)

// Meta 主题解析结果
type Meta struct {
	Prefix   string // "tele" | "stat" | ""
	Site     string // 站点段（可能为空）
	Device   string
	Metric   string
	Terminal string // 原始末段
	Kind     Kind
}

// PowerKey 返回规范化的POWER键名（大写），非power类别返回空串
func (m *Meta) PowerKey() string {
	if m.Kind != KindPower {
		return ""
	}
	return strings.ToUpper(m.Terminal)
}

// ParseTopic 解析原始主题字符串，无法识别时返回nil
// 形如 [tele|stat/]SITE/DEVICE[/METRIC]/<terminal>
func ParseTopic(topic string) *Meta {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return nil
	}

	meta := &Meta{}
	if parts[0] == "tele" || parts[0] == "stat" {
		meta.Prefix = parts[0]
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return nil
	}

	terminal := parts[len(parts)-1]
	middle := parts[:len(parts)-1]

	// 末段大小写不敏感：legacy设备上报 STATE/SENSOR 等全大写变体
	switch strings.ToUpper(terminal) {
	case "SENSOR":
		meta.Kind = KindSensor
	case "TARGET":
		meta.Kind = KindTarget
	case "STATE":
		meta.Kind = KindState
	case "RESULT":
		meta.Kind = KindResult
	default:
		if !powerKeyPattern.MatchString(terminal) {
			return nil
		}
		meta.Kind = KindPower
	}
	meta.Terminal = terminal

	switch len(middle) {
	case 1:
		meta.Device = middle[0]
	case 2:
		meta.Site = middle[0]
		meta.Device = middle[1]
	case 3:
		meta.Site = middle[0]
		meta.Device = middle[1]
		meta.Metric = middle[2]
	default:
		return nil
	}

	if meta.Device == "" {
		return nil
	}

	return meta
}

// NormalizeBase 规范化canonical base字符串：首段（站点）大写，其余段原样
// 幂等：NormalizeBase(NormalizeBase(x)) == NormalizeBase(x)
func NormalizeBase(base string) string {
	parts := strings.Split(base, "/")
	if len(parts) == 0 || parts[0] == "" {
		return base
	}
	parts[0] = strings.ToUpper(parts[0])
	return strings.Join(parts, "/")
}

// GroupOf 返回主题的分组段（下标越界或保留前缀返回空串）
func GroupOf(topic string, segment int) string {
	parts := strings.Split(topic, "/")
	if segment < 0 || segment >= len(parts) {
		return ""
	}
	group := parts[segment]
	if strings.HasPrefix(group, ReservedGroupPrefix) {
		return ""
	}
	return group
}

// Canonicalizer 维护device→site的发现映射，解析canonical base
// 显式站点段优先于任何推断；推断失败时不得回退到硬编码租户
type Canonicalizer struct {
	mu          sync.RWMutex
	discovered  map[string]string // device(小写) → SITE
	defaultSlug string            // 运行时上下文站点slug（可为空）
}

// NewCanonicalizer 创建canonicalizer
// defaultSlug 为运行时上下文的站点slug，作为发现映射之后的最后回退
func NewCanonicalizer(defaultSlug string) *Canonicalizer {
	return &Canonicalizer{
		discovered:  make(map[string]string),
		defaultSlug: strings.ToUpper(strings.TrimSpace(defaultSlug)),
	}
}

// Observe 记录带显式站点的主题，供后续无站点主题推断
func (c *Canonicalizer) Observe(meta *Meta) {
	if meta == nil || meta.Site == "" || meta.Device == "" {
		return
	}
	site := strings.ToUpper(meta.Site)
	key := strings.ToLower(meta.Device)

	c.mu.Lock()
	c.discovered[key] = site
	c.mu.Unlock()
}

// ResolveSite 解析主题的站点：显式 → 发现映射 → 上下文slug
// 三者皆无时返回 ("", false)，绝不猜测默认租户
func (c *Canonicalizer) ResolveSite(meta *Meta) (string, bool) {
	if meta == nil || meta.Device == "" {
		return "", false
	}
	if meta.Site != "" {
		return strings.ToUpper(meta.Site), true
	}

	c.mu.RLock()
	site, ok := c.discovered[strings.ToLower(meta.Device)]
	c.mu.RUnlock()
	if ok {
		return site, true
	}

	if c.defaultSlug != "" {
		return c.defaultSlug, true
	}
	return "", false
}

// CanonicalBase 生成规范化身份 SITE/DEVICE[/METRIC]
// 站点无法解析时返回 ("", false)
func (c *Canonicalizer) CanonicalBase(meta *Meta) (string, bool) {
	site, ok := c.ResolveSite(meta)
	if !ok {
		return "", false
	}
	base := site + "/" + meta.Device
	if meta.Metric != "" {
		base += "/" + meta.Metric
	}
	return NormalizeBase(base), true
}
