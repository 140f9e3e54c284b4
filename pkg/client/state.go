package client

import (
	"time"
)

// State はDelivery Clientの接続状態。
type State int

const (
	// StateDisconnected は接続していない状態。再接続待ちを含む。
	StateDisconnected State = iota
	// StateConnecting はトランスポートの接続中の状態。
	StateConnecting
	// StateAwaitingRegistration は接続済みでユーザー登録の応答を待っている状態。
	StateAwaitingRegistration
	// StateRegistered はユーザー登録が完了し、プッシュを受け取れる状態。
	StateRegistered
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingRegistration:
		return "awaiting_registration"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// StateChange は状態遷移の通知。
type StateChange struct {
	// State は遷移後の状態。
	State State
	// Stale は手元の通知一覧が最新でない可能性があるかを表す。
	// Registeredから離れた時点でtrueになり、再接続後のバックログ取得が成功するとfalseになる。
	Stale bool
	// Attempt は次に行う再接続が何回目かを表す。再接続待ちでない場合は0。
	Attempt int
	// Delay は次の再接続までの待ち時間。再接続待ちでない場合は0。
	Delay time.Duration
	// Err は切断の原因となったエラー。
	Err error
}

// Clock は再接続の待機に使用する時計。テストで差し替える。
type Clock interface {
	// After はdが経過した後に現在時刻を送るチャネルを返す。
	After(d time.Duration) <-chan time.Time
}

// realClock は実時間の時計。
type realClock struct{}

// After はtime.Afterを呼び出す。
func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
