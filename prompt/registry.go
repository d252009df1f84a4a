package prompt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Palette 是 %rc% 的候选颜色
var Palette = []string{"red", "blue", "green", "yellow", "purple", "orange", "black", "white", "pink", "cyan"}

// 上下文变量及其中文名，顺序即帮助文本中的顺序
var contextVars = []struct{ key, label string }{
	{"un", "昵称"},
	{"uid", "QQ号"},
	{"g", "群名"},
	{"run", "随机群友"},
	{"age", "年龄"},
	{"bd", "生日"},
}

const (
	weekdayNames = "日一二三四五六"
	// 生成随机字母的上限
	maxRandomLetters = 256
	letters          = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Env 是一次解析可用的外部输入
type Env struct {
	Params  map[string]string
	Context map[string]string
	Now     time.Time
	Intn    func(n int) int
}

// Variable 描述一类模板变量
type Variable struct {
	Name        string
	Category    string
	Pattern     *regexp.Regexp
	Description string
	// Examples 用于帮助文本展示的示例占位符
	Examples []string
	Resolve  func(m []string, env *Env) string
	Display  func(token string) string
}

// HelpEntry 是一类变量的帮助信息
type HelpEntry struct {
	Label       string   `json:"label"`
	Category    string   `json:"category"`
	Display     []string `json:"display"`
	Description string   `json:"description"`
}

// Registry 是有序的变量表，构建后只读
type Registry struct {
	vars []Variable
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry 返回内置变量表
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(builtinVariables()...)
	})
	return defaultRegistry
}

// NewRegistry creates a registry from an ordered variable list.
func NewRegistry(vars ...Variable) *Registry {
	return &Registry{vars: append([]Variable(nil), vars...)}
}

// Variables returns the variable classes in application order.
func (r *Registry) Variables() []Variable {
	return append([]Variable(nil), r.vars...)
}

// Describe 返回帮助文本条目
func (r *Registry) Describe() []HelpEntry {
	out := make([]HelpEntry, 0, len(r.vars))
	for _, v := range r.vars {
		display := make([]string, 0, len(v.Examples))
		for _, ex := range v.Examples {
			if v.Display != nil {
				display = append(display, v.Display(ex))
			} else {
				display = append(display, ex)
			}
		}
		out = append(out, HelpEntry{
			Label:       v.Name,
			Category:    v.Category,
			Display:     display,
			Description: v.Description,
		})
	}
	return out
}

// apply 对文本执行一轮全部变量替换
func (r *Registry) apply(text string, env *Env) string {
	for _, v := range r.vars {
		if !strings.Contains(text, "%") {
			break
		}
		text = v.Pattern.ReplaceAllStringFunc(text, func(tok string) string {
			return v.Resolve(v.Pattern.FindStringSubmatch(tok), env)
		})
	}
	return text
}

// =============================================================================
// 📦 内置变量
// =============================================================================

func builtinVariables() []Variable {
	ctxKeys := make([]string, len(contextVars))
	ctxLabels := make(map[string]string, len(contextVars))
	descParts := make([]string, len(contextVars))
	ctxExamples := make([]string, len(contextVars))
	for i, cv := range contextVars {
		ctxKeys[i] = cv.key
		ctxLabels[cv.key] = cv.label
		descParts[i] = fmt.Sprintf("%%%s%%(%s)", cv.key, cv.label)
		ctxExamples[i] = "%" + cv.key + "%"
	}

	return []Variable{
		{
			Name:        "填空参数",
			Category:    "🔧 工具",
			Pattern:     regexp.MustCompile(`(?i)%p(\d*)(?::([^%]*))?%`),
			Description: "配合 --p 使用 (如 %p%→--p, %p2%→--p2)",
			Examples:    []string{"%p%", "%p2%", "%p:默认值%"},
			Resolve:     resolveParam,
			Display:     func(s string) string { return s + " (填空)" },
		},
		{
			Name:        "环境信息",
			Category:    "👤 用户/群组",
			Pattern:     regexp.MustCompile(`(?i)%(` + strings.Join(ctxKeys, "|") + `)%`),
			Description: strings.Join(descParts, ", "),
			Examples:    ctxExamples,
			Resolve:     resolveContext,
			Display: func(s string) string {
				core := strings.ToLower(strings.Trim(s, "%"))
				if label := ctxLabels[core]; label != "" {
					return s + "(" + label + ")"
				}
				return s
			},
		},
		{
			Name:        "随机生成",
			Category:    "🎲 随机",
			Pattern:     regexp.MustCompile(`(?i)%\b(r|rn|rl|rc)(?::([^%]+))?%`),
			Description: "%r:A|B%(选项), %rn:1-10%(数字), %rl:5%(字母), %rc%(颜色)",
			Examples:    []string{"%r:A|B%", "%rn:1-10%", "%rl:5%", "%rc%"},
			Resolve:     resolveRandom,
		},
		{
			Name:        "时间日期",
			Category:    "📅 时间",
			Pattern:     regexp.MustCompile(`(?i)%(d|t|wd)%`),
			Description: "%d%(日期), %t%(时间), %wd%(星期)",
			Examples:    []string{"%d%", "%t%", "%wd%"},
			Resolve:     resolveTime,
			Display:     func(s string) string { return s + "(当前时间)" },
		},
	}
}

func resolveParam(m []string, env *Env) string {
	key := "p" + m[1]
	if v := env.Params[key]; v != "" {
		return v
	}
	return m[2]
}

func resolveContext(m []string, env *Env) string {
	if v, ok := env.Context[strings.ToLower(m[1])]; ok {
		return v
	}
	return m[0]
}

func resolveRandom(m []string, env *Env) string {
	kind, arg := strings.ToLower(m[1]), m[2]
	switch kind {
	case "r":
		if arg != "" {
			opts := strings.Split(arg, "|")
			return opts[env.Intn(len(opts))]
		}
	case "rn":
		lo, hi, ok := parseRange(arg)
		if ok {
			return strconv.Itoa(lo + env.Intn(hi-lo+1))
		}
	case "rl":
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err == nil && n >= 0 && n <= maxRandomLetters {
			var b strings.Builder
			for i := 0; i < n; i++ {
				b.WriteByte(letters[env.Intn(len(letters))])
			}
			return b.String()
		}
	case "rc":
		return Palette[env.Intn(len(Palette))]
	}
	return m[0]
}

func parseRange(s string) (lo, hi int, ok bool) {
	a, b, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(a))
	hi, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

func resolveTime(m []string, env *Env) string {
	now := env.Now
	switch strings.ToLower(m[1]) {
	case "d":
		return now.Format("01月02日")
	case "t":
		return now.Format("15:04:05")
	case "wd":
		return "星期" + string([]rune(weekdayNames)[now.Weekday()])
	}
	return m[0]
}
