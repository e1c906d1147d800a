package analysis

import "time"

// Meta 描述一个会话的来源信息
type Meta struct {
	IP        string `json:"ip"`
	Service   string `json:"service"`
	Country   string `json:"country,omitempty"`
	Size      int    `json:"size"`
	Truncated bool   `json:"truncated"`
}

// Task 是进入分析队列的一个会话
type Task struct {
	Payload string `json:"payload"` // 可打印文本
	Meta    Meta   `json:"meta"`
}

// Threat levels accepted from the analysis service.
const (
	LevelGreen   = "green"
	LevelYellow  = "yellow"
	LevelRed     = "red"
	LevelUnknown = "unknown"
)

// Result 是分析服务返回的结构化结论
type Result struct {
	Description string `json:"description"`
	Level       string `json:"level"`
	Phase       string `json:"phase"`
	// Fallback 为 true 时 Description 是原始回复文本
	Fallback bool `json:"fallback,omitempty"`
}

// Outcome 是一个任务处理完成后交给 sink 的记录
type Outcome struct {
	Task     Task          `json:"task"`
	Result   *Result       `json:"result,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Finished time.Time     `json:"finished"`
}

// Failed reports whether the analysis service call failed.
func (o *Outcome) Failed() bool {
	return o.Err != ""
}
