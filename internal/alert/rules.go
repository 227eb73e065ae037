package alert

import (
	"strings"
	"sync"
)

// Rule 阈值规则
// 动态规则按canonical base精确匹配（可变，持久化于上游配置）
// 静态规则的Base为模式串（启动时编译，不可变），按声明顺序首个命中生效
type Rule struct {
	Base  string  `json:"base"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Label string  `json:"label"`
}

// Rules 规则集：动态覆盖优先，静态模式兜底
type Rules struct {
	mu        sync.RWMutex
	overrides map[string]Rule
	static    []Rule
}

// NewRules 创建规则集
func NewRules(static []Rule) *Rules {
	return &Rules{
		overrides: make(map[string]Rule),
		static:    static,
	}
}

// SetOverride 设置动态规则
func (r *Rules) SetOverride(rule Rule) {
	r.mu.Lock()
	r.overrides[rule.Base] = rule
	r.mu.Unlock()
}

// DeleteOverride 删除动态规则
func (r *Rules) DeleteOverride(base string) {
	r.mu.Lock()
	delete(r.overrides, base)
	r.mu.Unlock()
}

// Resolve 解析base适用的规则：动态覆盖 → 首个命中的静态模式 → 无
func (r *Rules) Resolve(base string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rule, ok := r.overrides[base]; ok {
		return rule, true
	}
	for _, rule := range r.static {
		if matchPattern(rule.Base, base) {
			return rule, true
		}
	}
	return Rule{}, false
}

// matchPattern 段式模式匹配："*"匹配单段，末尾"#"匹配剩余所有段
func matchPattern(pattern, base string) bool {
	pp := strings.Split(pattern, "/")
	bp := strings.Split(base, "/")

	for i, seg := range pp {
		if seg == "#" && i == len(pp)-1 {
			return true
		}
		if i >= len(bp) {
			return false
		}
		if seg != "*" && seg != bp[i] {
			return false
		}
	}
	return len(pp) == len(bp)
}
