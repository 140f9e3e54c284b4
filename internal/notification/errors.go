package notification

import (
	"fmt"
	"time"
)

// TransportError はセッションへのメッセージ送信に失敗したことを表す。
// 配信は再試行せず、受信者は再接続時のバックログ取得で取りこぼしを回収する。
type TransportError struct {
	// SessionID は送信先のセッションID。
	SessionID string
	// UserID は送信先のユーザーID。
	UserID string
	// Err は元のエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *TransportError) Error() string {
	return fmt.Sprintf("セッションへの送信に失敗: session=%s, user=%s: %v", e.SessionID, e.UserID, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RegistrationTimeoutError は接続後に制限時間内にregisterメッセージが届かなかったことを表す。
type RegistrationTimeoutError struct {
	// Timeout は登録の制限時間。
	Timeout time.Duration
	// RemoteAddr は接続元のアドレス。
	RemoteAddr string
}

// Error はエラーメッセージを返す。
func (e *RegistrationTimeoutError) Error() string {
	return fmt.Sprintf("%s以内にユーザー登録が行われませんでした: remote=%s", e.Timeout, e.RemoteAddr)
}
