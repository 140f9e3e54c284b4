package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected は登録済みの接続が無いことを表す。
	ErrNotConnected = errors.New("client: サーバーに接続していません")
	// ErrHeartbeatTimeout はpingに対するpongが制限時間内に届かなかったことを表す。
	ErrHeartbeatTimeout = errors.New("client: ハートビートがタイムアウトしました")
)

// ReconnectExhaustedError は再接続の試行回数が上限に達したことを表す。
// アプリケーションはこのエラーを受け取ったらオフライン表示に切り替える。
type ReconnectExhaustedError struct {
	// Attempts は行った再接続の回数。
	Attempts int
	// Err は最後の切断の原因。
	Err error
}

// Error はエラーメッセージを返す。
func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("client: %d回の再接続に失敗しました: %v", e.Attempts, e.Err)
}

// Unwrap は最後の切断の原因を返す。
func (e *ReconnectExhaustedError) Unwrap() error {
	return e.Err
}

// ServerError はサーバーが要求を拒否したことを表す。
type ServerError struct {
	// Message はサーバーが返したエラーメッセージ。
	Message string
}

// Error はエラーメッセージを返す。
func (e *ServerError) Error() string {
	return "client: サーバーがエラーを返しました: " + e.Message
}
