// Package fanout はサーバープロセス間で配信イベントを中継するFan-out Busを提供する。
//
// 通知の受信者のセッションが別のプロセスに接続している場合、
// 送信元プロセスはイベントをバスへ発行し、全プロセスがそれを受け取って
// 自プロセスのセッションへ配信する。配信は最大1回（at-most-once）で、
// 取りこぼしたイベントは受信者が再接続時にバックログとして取得する。
//
// 実装はプロセス内のMemoryBroker、HTTPでピアへ転送するHTTPPeerBus、
// PostgreSQLのLISTEN/NOTIFYを使うPostgresBusの3種類。
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/nao1215/livenotify/pkg/protocol"
)

// Kind はFan-outイベントの種類。
type Kind string

const (
	// KindNotification は特定ユーザー宛の永続化済み通知。
	KindNotification Kind = "notification"
	// KindBroadcast は全ユーザー宛のブロードキャスト通知。
	KindBroadcast Kind = "broadcast"
	// KindDirect は特定セッション宛のダイレクトメッセージ。
	KindDirect Kind = "direct"
)

// ErrClosed はクローズ済みのバスを操作したことを表す。
var ErrClosed = errors.New("fanout: バスはクローズ済みです")

// Event はプロセス間で中継される配信イベント。
type Event struct {
	// Kind はイベントの種類。
	Kind Kind `json:"kind"`
	// Origin はイベントを発行したサーバーインスタンスのID。
	Origin string `json:"origin"`
	// RecipientID は通知先のユーザーID。KindNotificationの場合のみ使用する。
	RecipientID string `json:"recipient_id,omitempty"`
	// SessionID は宛先セッションのID。KindDirectの場合のみ使用する。
	SessionID string `json:"session_id,omitempty"`
	// ExcludeUserIDs はブロードキャストの配信対象から除外するユーザーID。
	ExcludeUserIDs []string `json:"exclude_user_ids,omitempty"`
	// Notification は配信する通知。KindNotificationとKindBroadcastで使用する。
	Notification *protocol.Notification `json:"notification,omitempty"`
	// Direct は配信するダイレクトメッセージ。KindDirectで使用する。
	Direct *protocol.DirectMessage `json:"direct,omitempty"`
}

// Validate はイベントの種類に応じて必須項目を検証する。
func (e Event) Validate() error {
	if e.Origin == "" {
		return errors.New("fanout: originは必須です")
	}
	switch e.Kind {
	case KindNotification:
		if e.RecipientID == "" || e.Notification == nil {
			return errors.New("fanout: notificationイベントにはrecipient_idとnotificationが必要です")
		}
	case KindBroadcast:
		if e.Notification == nil {
			return errors.New("fanout: broadcastイベントにはnotificationが必要です")
		}
	case KindDirect:
		if e.SessionID == "" || e.Direct == nil {
			return errors.New("fanout: directイベントにはsession_idとdirectが必要です")
		}
	default:
		return fmt.Errorf("fanout: 不明なイベント種別です: %q", e.Kind)
	}
	return nil
}

// Handler はバスから受け取ったイベントを処理する関数。
type Handler func(ctx context.Context, ev Event)

// Bus はFan-outイベントの発行と購読を行うインターフェース。
type Bus interface {
	// Publish はイベントを全プロセスへ発行する。受信の完了は待たない。
	Publish(ctx context.Context, ev Event) error
	// Run はctxが終了するかバスがクローズされるまで、受信したイベントをhandlerへ渡し続ける。
	Run(ctx context.Context, handler Handler) error
	// Close はバスを停止し、内部のリソースを解放する。
	Close() error
}
