package protocol

import (
	"encoding/json"
	"time"
)

// MessageType はWebSocket上でやり取りするメッセージの種類を表す。
type MessageType string

const (
	// TypeRegister はクライアントからのユーザー登録要求を表す。
	TypeRegister MessageType = "register"
	// TypeRegisterResponse はユーザー登録要求への応答を表す。
	TypeRegisterResponse MessageType = "register_response"
	// TypeMarkRead は通知の既読化要求を表す。
	TypeMarkRead MessageType = "mark_read"
	// TypeMarkReadResponse は既読化要求への応答を表す。
	TypeMarkReadResponse MessageType = "mark_read_response"
	// TypeGetNotifications は通知一覧（バックログ）の取得要求を表す。
	TypeGetNotifications MessageType = "get_notifications"
	// TypeGetNotificationsResponse は通知一覧取得要求への応答を表す。
	TypeGetNotificationsResponse MessageType = "get_notifications_response"

	// TypeNotification はサーバーから非同期にプッシュされる通知を表す。
	TypeNotification MessageType = "notification"
	// TypeDirectMessage は特定セッション宛てのダイレクトメッセージを表す。
	TypeDirectMessage MessageType = "direct_message"

	// TypePing は死活監視の要求を表す。どちらの側からも送信できる。
	TypePing MessageType = "ping"
	// TypePong はTypePingへの応答を表す。
	TypePong MessageType = "pong"
	// TypeError はプロトコルエラーの通知を表す。
	TypeError MessageType = "error"
)

// Status は要求に対する処理結果を表す。
type Status string

const (
	// StatusSuccess は要求が成功したことを表す。
	StatusSuccess Status = "success"
	// StatusError は要求が失敗したことを表す。
	StatusError Status = "error"
)

// Severity は通知の重要度を表す。
type Severity string

const (
	// SeverityInfo は情報通知を表す。
	SeverityInfo Severity = "info"
	// SeveritySuccess は処理成功の通知を表す。
	SeveritySuccess Severity = "success"
	// SeverityWarning は警告通知を表す。
	SeverityWarning Severity = "warning"
	// SeverityError はエラー通知を表す。
	SeverityError Severity = "error"
)

// Valid は重要度が定義済みの4種類のいずれかであるかを返す。
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// Envelope はWebSocketフレーム1つ分のメッセージを表す。
// Dataの中身はTypeごとに異なる。
type Envelope struct {
	// Type はメッセージの種類。
	Type MessageType `json:"type"`
	// RequestID は要求と応答を対応付けるための識別子。プッシュでは空になる。
	RequestID string `json:"request_id,omitempty"`
	// Data はメッセージ固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
}

// Notification はクライアントへ配信される通知。
type Notification struct {
	// ID は通知の識別子。単調増加し、順序比較に使用できる。ブロードキャストでは0。
	ID int64 `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title,omitempty"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Severity は通知の重要度。
	Severity Severity `json:"severity"`
	// Category は任意の分類タグ。
	Category string `json:"category,omitempty"`
	// Payload はアプリケーション固有の構造化データ。
	Payload json.RawMessage `json:"payload,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
	// Read は既読状態。
	Read bool `json:"read"`
	// ReadAt は既読になった日時。未読の場合はnil。
	ReadAt *time.Time `json:"read_at,omitempty"`
	// Broadcast は永続化されないブロードキャスト通知であるかを表す。
	Broadcast bool `json:"broadcast,omitempty"`
}

// DirectMessage はユーザーではなく特定のセッション宛てに送られるメッセージ。
type DirectMessage struct {
	// ID はメッセージの一意識別子（UUID）。
	ID string `json:"id"`
	// Message はメッセージ本文。
	Message string `json:"message"`
	// CreatedAt はメッセージの作成日時。
	CreatedAt time.Time `json:"created_at"`
	// SenderID は送信者のID。
	SenderID string `json:"sender_id,omitempty"`
	// Data はアプリケーション固有の構造化データ。
	Data json.RawMessage `json:"data,omitempty"`
}

// RegisterRequest はregisterメッセージのデータ。
type RegisterRequest struct {
	// UserID は外部の認証基盤で検証済みのユーザーID。
	UserID string `json:"user_id"`
}

// RegisterResponse はregister_responseメッセージのデータ。
type RegisterResponse struct {
	// Status は処理結果。
	Status Status `json:"status"`
	// Message は失敗理由などの補足メッセージ。
	Message string `json:"message,omitempty"`
	// SessionID はサーバーが割り当てたセッションID。
	SessionID string `json:"session_id,omitempty"`
	// InstanceID はセッションを保持するサーバープロセスの識別子。
	InstanceID string `json:"instance_id,omitempty"`
}

// MarkReadRequest はmark_readメッセージのデータ。
// NotificationIDとNotificationIDsのどちらか、または両方を指定する。
type MarkReadRequest struct {
	// NotificationID は既読にする通知のID（単数指定）。
	NotificationID *int64 `json:"notification_id,omitempty"`
	// NotificationIDs は既読にする通知のID（複数指定）。
	NotificationIDs []int64 `json:"notification_ids,omitempty"`
}

// IDs は単数指定と複数指定をまとめたID一覧を返す。
func (r MarkReadRequest) IDs() []int64 {
	ids := make([]int64, 0, len(r.NotificationIDs)+1)
	if r.NotificationID != nil {
		ids = append(ids, *r.NotificationID)
	}
	return append(ids, r.NotificationIDs...)
}

// MarkReadResponse はmark_read_responseメッセージのデータ。
type MarkReadResponse struct {
	// Status は処理結果。
	Status Status `json:"status"`
	// Message は失敗理由などの補足メッセージ。
	Message string `json:"message,omitempty"`
	// Applied は今回の要求で既読に遷移した通知のID。
	Applied []int64 `json:"applied"`
	// Ignored は既読済み・他ユーザー所有・存在しないために無視された通知のID。
	Ignored []int64 `json:"ignored"`
}

// GetNotificationsRequest はget_notificationsメッセージのデータ。
type GetNotificationsRequest struct {
	// Limit は取得件数の上限。
	Limit int `json:"limit"`
	// UnreadOnly がtrueの場合は未読の通知のみ返す。
	UnreadOnly bool `json:"unread_only"`
	// SinceID が0より大きい場合、このIDより新しい通知のみ返す。
	SinceID int64 `json:"since_id,omitempty"`
	// BeforeID が0より大きい場合、このIDより古い通知のみ返す（ページング用）。
	BeforeID int64 `json:"before_id,omitempty"`
}

// GetNotificationsResponse はget_notifications_responseメッセージのデータ。
type GetNotificationsResponse struct {
	// Status は処理結果。
	Status Status `json:"status"`
	// Message は失敗理由などの補足メッセージ。
	Message string `json:"message,omitempty"`
	// Notifications は新しい順に並んだ通知一覧。
	Notifications []Notification `json:"notifications"`
}

// Ping はping/pongメッセージのデータ。pongは受け取ったpingのSentAtをそのまま返す。
type Ping struct {
	// SentAt はpingの送信日時。
	SentAt time.Time `json:"sent_at"`
}

// ErrorMessage はerrorメッセージのデータ。
type ErrorMessage struct {
	// Message はエラー内容。
	Message string `json:"message"`
}
