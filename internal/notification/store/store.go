// Package store は通知の永続化（Notification Store）を提供する。
//
// 通知は作成後に既読状態の遷移（未読→既読）以外では変更されない。
// 既読の通知のみが保持期間を過ぎた後に定期削除の対象となり、
// 未読の通知は古さに関係なく削除されない。
//
// SQLite（単一ホスト）とPostgreSQL（複数ホストで共有）の2つの実装を持つ。
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nao1215/livenotify/pkg/protocol"
)

const (
	// DefaultListLimit はLimit未指定時の一覧取得件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得件数の上限。
	MaxListLimit = 500
)

// Store は通知の永続化を行うインターフェース。
type Store interface {
	// Create は通知を検証して保存し、採番済みの通知を返す。
	Create(ctx context.Context, params CreateParams) (*Notification, error)
	// List はユーザーの通知を新しい順に返す。
	List(ctx context.Context, params ListParams) ([]Notification, error)
	// MarkRead は指定された通知を既読にする。既読済み・他ユーザー所有のIDは無視する。
	MarkRead(ctx context.Context, recipientID string, ids []int64) (*MarkReadResult, error)
	// MarkAllRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	// UnreadCount はユーザーの未読通知の件数を返す。
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
	// Prune はolderThanより前に作成された既読通知を削除し、削除件数を返す。
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	// Close は内部の接続を解放する。
	Close() error
}

// Notification は保存済みの通知。
type Notification struct {
	// ID は通知の識別子。挿入順に単調増加する。
	ID int64 `json:"id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// Title は通知のタイトル。
	Title string `json:"title,omitempty"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Severity は通知の重要度。
	Severity protocol.Severity `json:"severity"`
	// Category は任意の分類タグ。
	Category string `json:"category,omitempty"`
	// Payload はアプリケーション固有の構造化データ。
	Payload json.RawMessage `json:"payload,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
	// Read は既読状態。
	Read bool `json:"read"`
	// ReadAt は既読になった日時。Readがtrueの場合のみ設定される。
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// ToProtocol は保存済みの通知をクライアント配信用の形式に変換する。
func (n Notification) ToProtocol() protocol.Notification {
	return protocol.Notification{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Severity:  n.Severity,
		Category:  n.Category,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt,
		Read:      n.Read,
		ReadAt:    n.ReadAt,
	}
}

// CreateParams は通知作成時の入力。
type CreateParams struct {
	// RecipientID は通知先のユーザーID。
	RecipientID string
	// Title は通知のタイトル（任意）。
	Title string
	// Message は通知メッセージ。
	Message string
	// Severity は通知の重要度。
	Severity protocol.Severity
	// Category は任意の分類タグ。
	Category string
	// Payload はアプリケーション固有の構造化データ（任意）。
	Payload json.RawMessage
}

// Validate は入力値を検証する。
func (p CreateParams) Validate() error {
	if strings.TrimSpace(p.RecipientID) == "" {
		return &ValidationError{Field: "recipient_id", Reason: "空にできません"}
	}
	return ValidateContent(p.Message, p.Severity, p.Payload)
}

// ValidateContent は通知本文・重要度・ペイロードを検証する。
// 永続化しないブロードキャストの検証にも使用する。
func ValidateContent(message string, severity protocol.Severity, payload json.RawMessage) error {
	if strings.TrimSpace(message) == "" {
		return &ValidationError{Field: "message", Reason: "空にできません"}
	}
	if !severity.Valid() {
		return &ValidationError{Field: "severity", Reason: "info, success, warning, error のいずれかを指定してください"}
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return &ValidationError{Field: "payload", Reason: "JSONとして不正です"}
	}
	return nil
}

// ListParams は一覧取得の条件。
type ListParams struct {
	// RecipientID は通知先のユーザーID。
	RecipientID string
	// Limit は取得件数の上限。0以下の場合はDefaultListLimit。
	Limit int
	// UnreadOnly がtrueの場合は未読のみ返す。
	UnreadOnly bool
	// SinceID が0より大きい場合、このIDより新しい通知のみ返す。
	SinceID int64
	// BeforeID が0より大きい場合、このIDより古い通知のみ返す。
	BeforeID int64
}

// limit は上限・既定値を適用した取得件数を返す。
func (p ListParams) limit() int {
	switch {
	case p.Limit <= 0:
		return DefaultListLimit
	case p.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return p.Limit
	}
}

// MarkReadResult は既読化の結果。
type MarkReadResult struct {
	// Applied は今回既読に遷移した通知のID（要求順）。
	Applied []int64 `json:"applied"`
	// Ignored は既読済み・他ユーザー所有・存在しないために無視した通知のID（要求順）。
	Ignored []int64 `json:"ignored"`
}

// uniqueIDs は重複を取り除いたIDを元の順序で返す。
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// splitMarkRead は所有者の照合結果からApplied/Ignoredを組み立てる。
// unreadは要求者が所有する未読通知のIDの集合。
func splitMarkRead(ids []int64, unread map[int64]struct{}) *MarkReadResult {
	result := &MarkReadResult{Applied: []int64{}, Ignored: []int64{}}
	for _, id := range ids {
		if _, ok := unread[id]; ok {
			result.Applied = append(result.Applied, id)
			continue
		}
		result.Ignored = append(result.Ignored, id)
	}
	return result
}

// validateMarkRead はMarkReadの入力を検証し、重複を除いたIDを返す。
func validateMarkRead(recipientID string, ids []int64) ([]int64, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, &ValidationError{Field: "recipient_id", Reason: "空にできません"}
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "notification_ids", Reason: "1件以上指定してください"}
	}
	return ids, nil
}
