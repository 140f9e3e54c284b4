// Package protocol は通知配信サーバーとDelivery Clientの間でやり取りする
// WebSocketメッセージの型とエンコード処理を提供する。
//
// すべてのフレームはEnvelope（type, request_id, data）のJSONで表現される。
// 要求には応答を対応付けるためのrequest_idを付与し、サーバーからのプッシュには付与しない。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// New はメッセージ種類とデータからEnvelopeを生成する。
// dataがnilの場合はDataを空にする。
func New(msgType MessageType, requestID string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, RequestID: requestID}
	if data == nil {
		return env, nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%sのデータのシリアライズに失敗: %w", msgType, err)
	}
	env.Data = jsonData
	return env, nil
}

// Decode はEnvelopeのDataフィールドを指定された型にデシリアライズする。
func Decode[T any](env Envelope) (*T, error) {
	var data T
	if len(env.Data) == 0 {
		return &data, nil
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%sのデータのデシリアライズに失敗: %w", env.Type, err)
	}
	return &data, nil
}

// Marshal はEnvelopeをWebSocketフレーム用のバイト列に変換する。
func Marshal(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Unmarshal はWebSocketフレームのバイト列をEnvelopeに変換する。
// typeが空のフレームはエラーとする。
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("メッセージのデシリアライズに失敗: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("メッセージのtypeが空です")
	}
	return env, nil
}

// NewNotification はnotificationプッシュ用のEnvelopeを生成する。
func NewNotification(n Notification) (Envelope, error) {
	return New(TypeNotification, "", n)
}

// NewDirectMessage はdirect_messageプッシュ用のEnvelopeを生成する。
func NewDirectMessage(m DirectMessage) (Envelope, error) {
	return New(TypeDirectMessage, "", m)
}

// NewError はerrorメッセージ用のEnvelopeを生成する。
func NewError(requestID, message string) (Envelope, error) {
	return New(TypeError, requestID, ErrorMessage{Message: message})
}
