package prompt

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Kind 区分生图预设与优化预设
type Kind string

const (
	KindPrompt    Kind = "prompt"
	KindOptimizer Kind = "optimizer"
)

// DefaultOptimizerInstruction 是 default 优化预设的内容
const DefaultOptimizerInstruction = "You are a professional prompt engineer. Rewrite the user's description into a detailed prompt."

// 追加提示词时视为句末的符号
const sentenceEnders = ",，.。!！;；"

// 比较重复时去掉的尾部符号
const trailingSymbols = "，。！？；：”’（）《》【】"

var paramPattern = regexp.MustCompile(`(?i)%p(\d*)(?::([^%]*))?%`)

// Book 按名称保存生图预设与优化预设
type Book struct {
	mu         sync.RWMutex
	prompts    map[string]string
	optimizers map[string]string
}

// NewBook creates a preset book. The optimizer set always contains "default".
func NewBook(prompts, optimizers map[string]string) *Book {
	b := &Book{
		prompts:    make(map[string]string, len(prompts)),
		optimizers: make(map[string]string, len(optimizers)+1),
	}
	for k, v := range prompts {
		b.prompts[k] = v
	}
	for k, v := range optimizers {
		b.optimizers[k] = v
	}
	if _, ok := b.optimizers["default"]; !ok {
		b.optimizers["default"] = DefaultOptimizerInstruction
	}
	return b
}

func (b *Book) target(kind Kind) map[string]string {
	if kind == KindOptimizer {
		return b.optimizers
	}
	return b.prompts
}

// Get 返回预设内容
func (b *Book) Get(kind Kind, name string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.target(kind)[name]
	return v, ok
}

// Set 新增或覆盖预设
func (b *Book) Set(kind Kind, name, content string) {
	b.mu.Lock()
	b.target(kind)[name] = content
	b.mu.Unlock()
}

// Delete 删除预设，返回是否删除。default 优化预设不可删除。
func (b *Book) Delete(kind Kind, name string) bool {
	if kind == KindOptimizer && name == "default" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.target(kind)
	if _, ok := m[name]; !ok {
		return false
	}
	delete(m, name)
	return true
}

// Rename 重命名预设；目标名已存在时失败
func (b *Book) Rename(kind Kind, oldName, newName string) bool {
	if kind == KindOptimizer && oldName == "default" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.target(kind)
	v, ok := m[oldName]
	if !ok {
		return false
	}
	if _, taken := m[newName]; taken {
		return false
	}
	delete(m, oldName)
	m[newName] = v
	return true
}

// Names 按字典序返回预设名
func (b *Book) Names(kind Kind) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.target(kind)
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of one preset map.
func (b *Book) Snapshot(kind Kind) map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.target(kind)
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FindDuplicate 返回内容与 content 相同（忽略尾部标点与填空默认值外壳）的预设名
func (b *Book) FindDuplicate(kind Kind, content string) (string, bool) {
	want := NormalizeForComparison(content)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, name := range sortedKeys(b.target(kind)) {
		if NormalizeForComparison(b.target(kind)[name]) == want {
			return name, true
		}
	}
	return "", false
}

// Expand 把预设名展开为内容，并追加 additional。
// 返回最终提示词和命中的预设名（未命中时为空）。
func (b *Book) Expand(text, additional string) (string, string) {
	text = strings.TrimSpace(text)
	presetName := ""
	if text != "" {
		if content, ok := b.Get(KindPrompt, text); ok {
			presetName = text
			text = content
		}
	}
	return AppendPrompt(text, additional), presetName
}

// AppendPrompt 把 additional 追加到 base 之后
func AppendPrompt(base, additional string) string {
	additional = strings.TrimSpace(additional)
	if additional == "" {
		return base
	}
	base = strings.TrimSpace(base)
	if base == "" {
		return additional
	}
	last, _ := utf8.DecodeLastRuneInString(base)
	if !strings.ContainsRune(sentenceEnders, last) {
		base += ","
	}
	return base + " " + additional
}

// NormalizeForComparison 去掉填空变量的外壳（保留默认值）和尾部标点
func NormalizeForComparison(text string) string {
	if strings.Contains(text, "%") {
		text = paramPattern.ReplaceAllString(text, "$2")
	}
	return strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || strings.ContainsRune(trailingSymbols, r)
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
