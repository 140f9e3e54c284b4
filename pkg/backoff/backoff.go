// Package backoff は再接続待ち時間を計算する指数バックオフのポリシーを提供する。
//
// Policyは時計やトランスポートに依存しない純粋な計算のみを行う。
// 実際の待機はDelivery Client側のスケジューラが担当する。
package backoff

import (
	"errors"
	"math"
	"time"
)

// Policy は指数バックオフのパラメータ。
type Policy struct {
	// Initial は1回目の再接続までの待ち時間。
	Initial time.Duration
	// Multiplier は失敗ごとに待ち時間へ掛ける倍率。2以上。
	Multiplier float64
	// Max は待ち時間の上限。
	Max time.Duration
	// MaxAttempts は再接続試行回数の上限。0以下の場合は無制限。
	MaxAttempts int
	// Jitter は待ち時間に加えるゆらぎの割合（0〜Multiplier/2-1）。
	Jitter float64
}

// Default は既定のバックオフポリシーを返す。
// 1秒から開始して2.5倍ずつ増やし、30秒を上限として最大10回まで試行する。
func Default() Policy {
	return Policy{
		Initial:     1 * time.Second,
		Multiplier:  2.5,
		Max:         30 * time.Second,
		MaxAttempts: 10,
		Jitter:      0.2,
	}
}

// Validate はポリシーの値が妥当かを検証する。
// 前回が最大のゆらぎ、今回がゆらぎなしの場合でも待ち時間が上限まで2倍以上になるよう、
// Multiplier >= 2*(1+Jitter) を要求する。
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return errors.New("backoff: Initialは正の値である必要があります")
	}
	if p.Multiplier < 2 {
		return errors.New("backoff: Multiplierは2以上である必要があります")
	}
	if p.Max < p.Initial {
		return errors.New("backoff: MaxはInitial以上である必要があります")
	}
	if p.Jitter < 0 || p.Jitter > p.Multiplier/2-1 {
		return errors.New("backoff: Jitterは0以上Multiplier/2-1以下である必要があります")
	}
	return nil
}

// Delay はattempt回目（1始まり）の再接続までの待ち時間を返す。
// rは[0, 1)の乱数で、ゆらぎの大きさを決める。
// attemptが上限を超えた場合はfalseを返す。
func (p Policy) Delay(attempt int, r float64) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}

	r = math.Min(math.Max(r, 0), 1)
	base := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	d := base * (1 + p.Jitter*r)
	if d >= float64(p.Max) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.Max, true
	}
	return time.Duration(d), true
}
