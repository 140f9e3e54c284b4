package store

import (
	"fmt"
)

// ValidationError は通知の入力値が不正であることを表す。
// 永続化の前に検出され、再試行しても成功しない。
type ValidationError struct {
	// Field は不正な項目名。
	Field string
	// Reason は不正である理由。
	Reason string
}

// Error はエラーメッセージを返す。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("入力値が不正です: %s: %s", e.Field, e.Reason)
}

// NotFoundError は既読化の対象となる通知が1件も存在しないことを表す。
// 他ユーザーが所有する通知は存在しないものとして扱う。
type NotFoundError struct {
	// RecipientID は要求したユーザーのID。
	RecipientID string
	// IDs は要求された通知のID。
	IDs []int64
}

// Error はエラーメッセージを返す。
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("通知が見つかりません: recipient=%s, ids=%v", e.RecipientID, e.IDs)
}
