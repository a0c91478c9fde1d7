package comfortclient

import (
	"math/rand/v2"
	"strings"
)

// BlankProblem stands in for an empty worry.
const BlankProblem = "一些你暂时不想面对的事情"

// Local categories used by LocalPicker. They are coarser than the server's
// category set and only select a phrase pool.
const (
	LocalWork   = "work"
	LocalSocial = "social"
	LocalLove   = "love"
	LocalStudy  = "study"
	LocalFamily = "family"
	LocalCommon = "common"
)

// Fallback produces a message without the network.
type Fallback interface {
	Comfort(problem string) Message
}

// LocalPicker is a Fallback that picks from canned phrase pools.
type LocalPicker struct {
	// Intn returns a value in [0, n). Defaults to math/rand/v2.
	Intn func(n int) int
}

var localKeywords = []struct {
	category string
	keywords []string
}{
	{LocalWork, []string{"工作", "加班", "老板", "同事", "项目", "绩效", "kpi", "会议", "汇报", "deadline", "客户"}},
	{LocalSocial, []string{"朋友", "社交", "群", "消息", "回复", "尴尬", "见面", "关系", "人际"}},
	{LocalLove, []string{"恋爱", "喜欢", "分手", "前任", "对象", "暧昧", "结婚", "离婚", "爱", "感情"}},
	{LocalStudy, []string{"考试", "作业", "论文", "答辩", "绩点", "学校", "老师", "学习", "上课", "复习"}},
	{LocalFamily, []string{"家", "父母", "妈妈", "爸爸", "家庭", "孩子", "亲戚"}},
}

var localPools = map[string][]string{
	LocalCommon: {
		"你不是不做，你只是把它从“现在”移到了“之后”。",
		"想逃避，说明这件事对你来说真的不轻松。",
		"也许你不是不想做这件事，你只是不想一次做完它。",
		"现在放下，并不等于永远不面对。",
	},
	LocalWork: {
		"你不是懒，你只是被消耗了。",
		"工作有时会把人压住。你不用为此道歉。",
		"你只是先把它从“今天”挪开一会儿。",
		"你可以先保留力气，再决定怎么做。",
	},
	LocalSocial: {
		"不想回消息也没关系，你可以先把自己放在第一位。",
		"社交的压力是真实的，不是你太敏感。",
		"你可以选择暂时不解释。",
		"你不用在每一段关系里都表现得“足够好”。",
	},
	LocalLove: {
		"感情里的难受，不需要立刻整理成答案。",
		"你不需要马上想清楚，也不需要马上释怀。",
		"你只是先不碰它一下。",
		"你可以允许自己难过一会儿。",
	},
	LocalStudy: {
		"学业的重量有时会让人喘不过气，这很正常。",
		"你不是不努力，你只是需要一个缓冲。",
		"先放下，脑子才能慢慢回来。",
		"你可以把它拆小一点，留到更合适的时候。",
	},
	LocalFamily: {
		"家里的事有时会让人无力。你不必立刻扛起来。",
		"你可以先把自己照顾好，再决定要不要面对。",
		"暂时不处理，并不代表你不在乎。",
		"你不需要一个人把所有事都撑住。",
	},
}

var affirmPool = []string{
	"你已经很努力了。",
	"你可以慢一点。",
	"你现在这样也可以。",
	"能撑到这里，已经说明你不容易。",
	"你不需要证明自己才值得被温柔对待。",
	"你的感受不需要被“合理化”才算数。",
}

// localComfortCount is how many sentences LocalPicker returns.
const localComfortCount = 2

// Comfort returns two distinct sentences drawn from the matching category
// pool plus the common pool, and one affirmation.
func (p LocalPicker) Comfort(problem string) Message {
	text := sanitize(problem)
	if text == "" {
		text = BlankProblem
	}
	category := Classify(text)

	pool := make([]string, 0, len(localPools[category])+len(localPools[LocalCommon]))
	if category != LocalCommon {
		pool = append(pool, localPools[category]...)
	}
	pool = append(pool, localPools[LocalCommon]...)

	return Message{
		Problem:     text,
		Category:    category,
		Comfort:     p.pickUnique(pool, localComfortCount),
		Affirmation: affirmPool[p.intn(len(affirmPool))],
		Source:      SourceLocal,
	}
}

// Classify maps a worry to a local category by keyword. Matching is
// case-insensitive; the first matching category wins.
func Classify(problem string) string {
	t := strings.ToLower(problem)
	for _, kc := range localKeywords {
		for _, k := range kc.keywords {
			if strings.Contains(t, k) {
				return kc.category
			}
		}
	}
	return LocalCommon
}

func (p LocalPicker) pickUnique(pool []string, n int) []string {
	rest := append([]string(nil), pool...)
	out := make([]string, 0, n)
	for len(rest) > 0 && len(out) < n {
		i := p.intn(len(rest))
		out = append(out, rest[i])
		rest = append(rest[:i], rest[i+1:]...)
	}
	return out
}

func (p LocalPicker) intn(n int) int {
	if p.Intn != nil {
		return p.Intn(n)
	}
	return rand.IntN(n)
}

func sanitize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
