package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/crushworry/comfort-gateway/internal/comfort"
)

// ChatPath is the DashScope compatible-mode chat-completion route.
const ChatPath = "/compatible-mode/v1/chat/completions"

var comfortPool = []string{
	"你已经在很努力地撑着了，这本身就很了不起。",
	"现在的难受是真实的，但它不会一直停在这里。",
	"先照顾好此刻的自己，别的事可以慢一点。",
	"你不需要一下子把所有问题都解决。",
	"允许自己累一会儿，休息不是退步。",
	"愿意说出来，就已经是在往前走了。",
}

var affirmPool = []string{
	"你值得被温柔对待。",
	"你比自己以为的更有力量。",
	"今天的你，已经做得足够好。",
}

// keywordCategories maps problem keywords to a category, checked in order.
var keywordCategories = []struct {
	keyword  string
	category comfort.Category
}{
	{"工作", comfort.CategoryWorkStudy},
	{"考试", comfort.CategoryWorkStudy},
	{"老板", comfort.CategoryWorkStudy},
	{"睡", comfort.CategoryHealth},
	{"病", comfort.CategoryHealth},
	{"钱", comfort.CategoryMoney},
	{"家", comfort.CategoryFamily},
	{"分手", comfort.CategoryRelationship},
	{"朋友", comfort.CategoryRelationship},
	{"未来", comfort.CategoryFuture},
	{"压力", comfort.CategoryStress},
}

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// newChatHandler returns an http.Handler that simulates the chat-completion
// endpoint. Content follows cfg.Mode.
func newChatHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(ChatPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing api key", "invalid_api_key")
			return
		}
		applyLatency(r, cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.Stream {
			writeError(w, http.StatusBadRequest, "streaming is not supported by this mock", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "qwen-plus"
		}

		var user string
		for _, m := range req.Messages {
			if m.Role == "user" {
				user = m.Content
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content(cfg.Mode, user),
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     len([]rune(user)),
				"completion_tokens": 120,
				"total_tokens":      len([]rune(user)) + 120,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// content renders the assistant message for mode.
func content(mode, user string) string {
	switch mode {
	case ModeText:
		return "抱歉，我现在没办法给出结构化的回答，但我在这里陪着你。"
	case ModeInvalid:
		b, _ := json.Marshal(map[string]any{
			"version": comfort.Version,
			"comfort": pick(comfortPool, 1),
		})
		return string(b)
	}

	p := comfort.Payload{
		Version:     comfort.Version,
		Language:    "zh-CN",
		Category:    string(categorize(user)),
		Comfort:     pick(comfortPool, comfort.MinComfort+rand.IntN(comfort.MaxComfort-comfort.MinComfort+1)),
		Affirmation: pick(affirmPool, 1)[0],
		Tags:        []string{"陪伴"},
		SQLHint:     comfort.SQLHint{Entities: []string{}},
	}
	b, _ := json.Marshal(p)

	if mode == ModeFenced {
		return "好的，下面是结果：\n```json\n" + string(b) + "\n```"
	}
	return string(b)
}

func categorize(user string) comfort.Category {
	for _, kc := range keywordCategories {
		if strings.Contains(user, kc.keyword) {
			return kc.category
		}
	}
	return comfort.CategoryOther
}
