// Package registry はアップロードファイルと変換ジョブの永続レジストリを提供します。
package registry

import (
	"encoding/json"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// Terminal は終端状態（それ以上遷移しない状態）かどうかを返します。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateCancelled:
		return true
	}
	return false
}

// Valid は既知の状態かどうかを返します。
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateError, StateCancelled:
		return true
	}
	return false
}

// File はアップロードされたファイルのレジストリ情報を表します。
type File struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"originalName"`
	StoredName   string    `json:"storedName"`
	SizeBytes    int64     `json:"sizeBytes"`
	ModTime      string    `json:"modTime,omitempty"` // クライアント申告の更新日時（重複判定キーの一部）
	Pages        int       `json:"pages"`
	Hash         string    `json:"hash,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
	Path         string    `json:"path"`
}

// Job は変換ジョブの現在状態を表します。
type Job struct {
	ID         string          `json:"id"`
	FileID     string          `json:"fileId,omitempty"` // URLベースのジョブでは空
	Type       string          `json:"type"`
	State      State           `json:"state"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"` // プロセッサが所有する不透明なパラメータ
	ResultPath string          `json:"resultPath,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`

	// FileName は取得時に元ファイル名を結合した表示用フィールドです。保存はされません。
	FileName string `json:"fileName,omitempty"`
}

// JobUpdate はジョブの部分更新を表します。nil のフィールドは変更されません。
type JobUpdate struct {
	State      *State
	Progress   *int
	Message    *string
	ResultPath *string
}
