package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/bananaflow/llm"
	"github.com/BaSui01/bananaflow/types"
)

// 各错误类型的提示语
var errorHints = map[types.ErrorKind]string{
	types.KindInvalidArgument: "💡 请求无效\n🔧 检查提示词、参数格式。",
	types.KindAuthFailed:      "💡 鉴权失败\n🔧 Key可能失效或无权限。",
	types.KindQuotaExhausted:  "💡 额度耗尽\n🔧 余额不足或Key冷却中。",
	types.KindNotFound:        "💡 接入错误\n🔧 模型名或接口有误。",
	types.KindRateLimit:       "💡 超额请求\n🔧 节点或账户暂时受限。",
	types.KindServerError:     "💡 网络异常\n🔧 上游服务波动。",
	types.KindSafetyBlock:     "❌ 安全拦截\n🔧 内容包含敏感信息。",
	types.KindDebugInfo:       "🛠️ 调试信息",
	types.KindUnknown:         "❌ 未知错误\n🔧 请检查日志详情。",
}

const (
	// MsgThinkingEnabled 开启思维链时追加在等待提示后
	MsgThinkingEnabled = "\n🤔 (思维链模式已开启，可能需要较长时间...)"
	// MsgNoCharge 非管理员失败时追加
	MsgNoCharge = "(本次失败不扣除次数)"
	// MsgImageRequired 图生图未提供图片
	MsgImageRequired = "❌ 图生图模式需要图片。\n请发送图片、引用图片，或在指令中包含图片。"
	// MsgSwitchTip 建议切换连接
	MsgSwitchTip = "👉 如持续失败，请尝试切换连接预设"
)

// Preview 截断文本用于展示，oneline 时把换行替换为空格
func Preview(text string, limit int, oneline bool) string {
	if oneline {
		text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	}
	r := []rune(text)
	if len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return text
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// StreamIcon 流式设置图标
func StreamIcon(v *bool) string {
	switch {
	case v == nil:
		return "🤖"
	case *v:
		return "🌊"
	default:
		return "🛑"
	}
}

// GeneratingMessage 等待提示
func GeneratingMessage(prompt string, thinking bool) string {
	msg := fmt.Sprintf("🎨 正在生成 [%s]...", Preview(prompt, 20, true))
	if thinking {
		msg += MsgThinkingEnabled
	}
	return msg
}

// SuccessView 是成功说明需要的数据
type SuccessView struct {
	Model        string
	Preset       types.ConnectionPreset
	PromptPreset string
	Prompt       string
	AspectRatio  string
	ImageSize    string
	Elapsed      time.Duration
	Cost         int
	UserBalance  int
	GroupBalance int
	Enhancer     *EnhanceResult
}

func lastSegment(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// SuccessCaption 生成成功后的说明文字
func SuccessCaption(v SuccessView) string {
	lines := []string{"🚀 " + lastSegment(v.Model)}
	if v.Enhancer != nil && v.Enhancer.Applied {
		instr := v.Enhancer.Preset
		if instr == "" {
			instr = "Default"
		}
		lines = append(lines, fmt.Sprintf("✨ %s (%s)", lastSegment(v.Enhancer.Model), instr))
	}

	strategy := v.PromptPreset
	if strategy == "" {
		strategy = "自定义"
	}
	lines = append(lines, fmt.Sprintf("🔗 [%s%s] · 🎨 %s · ⏱️%.1fs",
		v.Preset.Name, StreamIcon(v.Preset.Stream), strategy, v.Elapsed.Seconds()))
	lines = append(lines, "📝 "+Preview(v.Prompt, 25, true))

	ar := v.AspectRatio
	if ar == "" || ar == types.DefaultAspectRatio {
		ar = "自动"
	}
	quota := fmt.Sprintf("-%d 👤 %d", v.Cost, v.UserBalance)
	if v.GroupBalance > 0 {
		quota += fmt.Sprintf(" · 👥 %d", v.GroupBalance)
	}
	lines = append(lines, fmt.Sprintf("📐 %s · 📏 %s\n💳 %s", ar, v.ImageSize, quota))
	return strings.Join(lines, "\n")
}

// ThoughtsMessage 思考过程
func ThoughtsMessage(thoughts string) string {
	if strings.TrimSpace(thoughts) == "" {
		return ""
	}
	return "🧐 思考过程:\n" + thoughts
}

// DebugMessage 调试模式下的说明，请求没有发往上游
func DebugMessage(info *types.DebugInfo, enh *EnhanceResult) string {
	if info == nil {
		info = &types.DebugInfo{}
	}
	model := info.Model
	if model == "" {
		model = "Unknown"
	}
	enhancer := ""
	if enh != nil && enh.Applied {
		enhancer = fmt.Sprintf("\n✨  %s [%s]", enh.Model, enh.Preset)
	}
	p := info.Prompt
	if p == "" {
		p = "(无提示词)"
	}
	stream := info.Stream
	return fmt.Sprintf("【🛠️ 调试模式】\n🚀  %s%s\n🔗  %s [%s%s]\n📝  %s\n🖼️  %d\n⛔  (未发送至服务器💳-0)",
		model, enhancer, info.Backend, info.Preset, StreamIcon(stream), p, info.ImageCount)
}

// ErrorMessage 把生成失败的错误转换为用户可读的消息
func ErrorMessage(err error, isAdmin bool) string {
	e, ok := types.AsError(err)
	if !ok {
		return "❌ 系统内部错误: " + err.Error()
	}
	if e.Kind == types.KindDebugInfo {
		return DebugMessage(e.Debug, nil)
	}

	hint, ok := errorHints[e.Kind]
	if !ok {
		hint = e.Message
	}
	head := "❌ 生成失败"
	if e.HTTPStatus > 0 {
		head += fmt.Sprintf(" (HTTP %d)", e.HTTPStatus)
	}
	parts := []string{head, hint}

	if e.Kind == types.KindUnknown || (isAdmin && e.Kind != types.KindSafetyBlock) {
		parts = append(parts, "🔍 详情: "+Preview(e.Message, 100, true))
	}
	if e.Kind != types.KindSafetyBlock {
		parts = append(parts, MsgSwitchTip)
	}
	if !isAdmin {
		parts = append(parts, MsgNoCharge)
	}
	return strings.Join(parts, "\n")
}

// KeyList 列出脱敏后的 Key 及其状态图标
func KeyList(presetName string, keys []string, statuses map[string]string) string {
	if len(keys) == 0 {
		return fmt.Sprintf("🔑 预设 [%s] 暂无配置任何 Key。", presetName)
	}
	lines := []string{fmt.Sprintf("🔑 预设 [%s] 密钥列表 (共%d个):", presetName, len(keys))}
	for i, k := range keys {
		line := fmt.Sprintf("%d. %s", i+1, llm.MaskKey(k))
		if s, ok := statuses[k]; ok && s != "" {
			line += " " + s
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// ConnectionList 列出连接预设，激活的预设带箭头
func ConnectionList(presets []types.ConnectionPreset, active string) string {
	if len(presets) == 0 {
		return "🔗 连接预设列表为空。"
	}
	lines := []string{"🔗 连接预设名录:"}
	for _, p := range presets {
		prefix := "▪️"
		if p.Name == active {
			prefix = "➡️"
		}
		lines = append(lines, fmt.Sprintf("%s %s (%s, %s, %d keys)", prefix, p.Name, p.Backend, StreamIcon(p.Stream), len(p.APIKeys)))
	}
	return strings.Join(lines, "\n")
}
