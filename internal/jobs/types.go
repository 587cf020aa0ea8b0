package jobs

import "time"

// Status はジョブの実行状態を表します。
// 遷移は queued → running → {succeeded, failed} のみで、
// 事前検証で失敗した場合だけ queued → failed を許します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal は終端状態かどうかを返します。終端状態からの遷移はありません。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ProgressInfo は進捗の補足情報を表します。
// Percentはジョブの生存期間を通じて単調非減少です。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResultSummary は成功したジョブの要約情報です。
type ResultSummary struct {
	Query          string `json:"query"`
	FileProcessed  string `json:"file_processed"`
	AnalysisLength int    `json:"analysis_length"`
	TaskID         string `json:"task_id"`
}

// ResultInfo は成功したジョブの結果ペイロードです。
type ResultInfo struct {
	Analysis string        `json:"analysis"`
	Summary  ResultSummary `json:"summary"`
}

// Record はジョブの現在状態を表します。ResultとErrorは排他で、
// どちらかが設定されるのは終端状態のときだけです。
type Record struct {
	JobID     string       `json:"jobId"`
	Filename  string       `json:"filename"`
	Query     string       `json:"query"`
	Status    Status       `json:"status"`
	Progress  ProgressInfo `json:"progress"`
	Result    *ResultInfo  `json:"result,omitempty"`
	Error     *ErrorInfo   `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
}
