// Package prompt builds the instruction pair sent to the upstream model.
// The system block is fixed for the life of the process; only the user block
// carries per-request facts.
package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"github.com/crushworry/comfort-gateway/internal/comfort"
)

// Role names match the chat-completion wire format.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one role-tagged instruction block.
type Message struct {
	Role    string
	Content string
}

// Input holds the sanitised per-request facts embedded in the user block.
type Input struct {
	Problem   string
	Locale    string
	ClientID  string
	RequestID string
}

// FromRequest copies the prompt-relevant fields out of a sanitised request.
func FromRequest(r comfort.Request) Input {
	return Input{
		Problem:   r.Problem,
		Locale:    r.Locale,
		ClientID:  r.ClientID,
		RequestID: r.RequestID,
	}
}

var categoryLabels = map[comfort.Category]string{
	comfort.CategoryRelationship: "关系/亲密/社交",
	comfort.CategoryWorkStudy:    "工作/学习/考试",
	comfort.CategoryFamily:       "家庭",
	comfort.CategoryHealth:       "健康/睡眠/身体",
	comfort.CategoryMoney:        "经济",
	comfort.CategorySelfWorth:    "自我价值/内疚/羞耻",
	comfort.CategoryFuture:       "未来/不确定/选择",
	comfort.CategoryStress:       "压力/焦虑/情绪泛化",
	comfort.CategoryOther:        "其他",
}

var systemPrompt = strings.Join([]string{
	"你是一名温柔、可靠的安慰文案助手，为一个“粉碎烦恼”的网页应用生成短文案。",
	"",
	"你的任务：",
	"- 读取用户的一句话烦恼内容",
	"- 输出：",
	fmt.Sprintf("  1) comfort：%d-%d 句安慰（数组，每个元素是一句完整句子）", comfort.MinComfort, comfort.MaxComfort),
	"  2) affirmation：1 句简短积极肯定",
	"  3) category：1 个分类标签",
	"",
	"语气要求：",
	"- 温柔、接地气、不评判，尽量具体贴合用户烦恼",
	"- 不要说教，不要空泛鸡汤",
	"- 不要向用户提问",
	"- 不要使用表情符号",
	"- 不要使用列表、编号或项目符号",
	"- 不要提到“我是 AI/模型/系统提示/政策”等内容",
	"",
	"输出必须严格遵守（非常重要）：",
	"- 只能输出且必须输出：一个合法的 JSON 对象",
	"- JSON 之外不得出现任何字符（不能有解释、不能有 Markdown、不能有代码块）",
	"- 所有 key 和字符串 value 必须使用英文双引号",
	"- 不能有多余逗号",
	"- 句子字符串内部不要包含换行符",
	"",
	"输出 JSON 结构（必须完全一致）：",
	"{",
	fmt.Sprintf(`  "version": "%s",`, comfort.Version),
	`  "language": "<BCP47 语言标签，例如 zh-CN>",`,
	`  "category": "<字符串>",`,
	`  "comfort": ["<句子1>", "<句子2>", "<句子3?>", "<句子4?>"],`,
	`  "affirmation": "<字符串>",`,
	`  "tags": ["<字符串>", "<字符串>", "<字符串?>", "<字符串?>", "<字符串?>", "<字符串?>"],`,
	`  "sql_hint": {`,
	`    "topic": "<字符串或空字符串>",`,
	`    "emotion": "<字符串或空字符串>",`,
	`    "severity": "<字符串或空字符串>",`,
	`    "entities": ["<字符串>", "<字符串?>", "<字符串?>", "<字符串?>"]`,
	"  },",
	`  "ext": {`,
	`    "clientId": "<字符串或空字符串>",`,
	`    "requestId": "<字符串或空字符串>",`,
	`    "debug": {`,
	`      "model": "<字符串或空字符串>",`,
	`      "finish_reason": "<字符串或空字符串>"`,
	"    }",
	"  }",
	"}",
	"",
	"字段规则：",
	fmt.Sprintf("- comfort：数组长度必须为 %d-%d；每个元素只能是一句完整句子（不要合并成一长段）", comfort.MinComfort, comfort.MaxComfort),
	"- affirmation：简短有力，中文建议 8-20 个字",
	"- category：必须从用户消息给定的分类集合中选择且只能选 1 个",
	"- tags：2-6 个简短标签（词/短语），不要写成句子",
	"- sql_hint：为未来数据库/SQL 预留。不要瞎编，不确定就用空字符串/更短数组",
	"- ext：为未来扩展预留。clientId/requestId 原样回显（没有就空字符串）",
	"- ext.debug.model 与 ext.debug.finish_reason 必须输出空字符串（服务端会填充）",
}, "\n")

// System returns the fixed system instruction. It embeds the output
// structure, the field rules and the output-format constraints.
func System() string {
	return systemPrompt
}

// User returns the per-request instruction for in.
func User(in Input) string {
	lines := []string{
		"输入信息：",
		fmt.Sprintf("- problem（烦恼原文）：\"%s\"", in.Problem),
		fmt.Sprintf("- locale（期望语言，可空）：\"%s\"（为空则根据 problem 自动判断）", CanonicalLocale(in.Locale)),
		fmt.Sprintf("- clientId：\"%s\"", in.ClientID),
		fmt.Sprintf("- requestId：\"%s\"", in.RequestID),
		"",
		"分类集合（必须且只能选 1 个）：",
	}
	for _, c := range comfort.Categories {
		lines = append(lines, fmt.Sprintf("- %s（%s）", c, categoryLabels[c]))
	}
	lines = append(lines,
		"",
		"要求：",
		"- 只输出 1 个 JSON 对象，必须完全符合 system 中给定的结构",
		`- language：填写你实际使用的语言标签（例如 "zh-CN"）`,
		fmt.Sprintf("- comfort：必须为 %d-%d 句，数组逐句输出；每句不要换行", comfort.MinComfort, comfort.MaxComfort),
		"- 内容尽量贴合 problem，避免套话",
		"- 不要提问",
		"- ext.clientId / ext.requestId：原样回显输入（缺失则空字符串）",
		"- ext.debug.model / ext.debug.finish_reason：输出空字符串",
		"",
		"现在开始输出 JSON：",
	)
	return strings.Join(lines, "\n")
}

// Messages returns the ordered (system, user) pair for in.
func Messages(in Input) []Message {
	return []Message{
		{Role: RoleSystem, Content: System()},
		{Role: RoleUser, Content: User(in)},
	}
}

// CanonicalLocale returns the BCP 47 form of a locale hint such as "zh_cn"
// or "EN-us". Hints that do not parse are passed through unchanged.
func CanonicalLocale(hint string) string {
	if hint == "" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(hint, "_", "-"))
	if err != nil {
		return hint
	}
	return tag.String()
}
