package backoff

import (
	"testing"
	"time"
)

// TestDelay は待ち時間の計算を検証する。
func TestDelay(t *testing.T) {
	t.Parallel()

	p := Policy{
		Initial:     100 * time.Millisecond,
		Multiplier:  2,
		Max:         1 * time.Second,
		MaxAttempts: 6,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
		wantOK  bool
	}{
		{name: "1回目はInitialになること", attempt: 1, want: 100 * time.Millisecond, wantOK: true},
		{name: "2回目は2倍になること", attempt: 2, want: 200 * time.Millisecond, wantOK: true},
		{name: "4回目は8倍になること", attempt: 4, want: 800 * time.Millisecond, wantOK: true},
		{name: "上限を超える場合はMaxになること", attempt: 5, want: 1 * time.Second, wantOK: true},
		{name: "試行回数の上限ちょうどは許可されること", attempt: 6, want: 1 * time.Second, wantOK: true},
		{name: "試行回数の上限を超えるとfalseになること", attempt: 7, want: 0, wantOK: false},
		{name: "0以下のattemptは1回目として扱うこと", attempt: 0, want: 100 * time.Millisecond, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := p.Delay(tt.attempt, 0.5)
			if ok != tt.wantOK {
				t.Fatalf("Delay(%d) ok = %v, want %v", tt.attempt, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

// TestDelayDoubling はゆらぎがあっても待ち時間が失敗ごとに2倍以上になることを検証する。
func TestDelayDoubling(t *testing.T) {
	t.Parallel()

	policies := []struct {
		name   string
		policy Policy
	}{
		{name: "既定値", policy: Default()},
		{name: "ゆらぎが許容範囲の上限", policy: Policy{Initial: 50 * time.Millisecond, Multiplier: 3, Max: 10 * time.Minute, Jitter: 0.5}},
		{name: "ゆらぎなし", policy: Policy{Initial: 50 * time.Millisecond, Multiplier: 2, Max: 10 * time.Second}},
	}
	for _, tt := range policies {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := tt.policy
			p.MaxAttempts = 0
			if err := p.Validate(); err != nil {
				t.Fatalf("Validate()でエラーが発生: %v", err)
			}
			// 前回は最大のゆらぎ、今回はゆらぎなしという最悪の組み合わせでも2倍以上であること
			for attempt := 1; attempt < 20; attempt++ {
				prev, _ := p.Delay(attempt, 1)
				next, _ := p.Delay(attempt+1, 0)
				if next == p.Max {
					break
				}
				if next < 2*prev {
					t.Errorf("attempt=%d: 待ち時間 %v の次が %v で、2倍以上になっていません", attempt, prev, next)
				}
			}
		})
	}

	t.Run("既定値は1回目から2回目で2倍以上になること", func(t *testing.T) {
		t.Parallel()

		prev, _ := Default().Delay(1, 0.99)
		next, _ := Default().Delay(2, 0)
		if next < 2*prev {
			t.Errorf("Delay(1, 0.99) = %v, Delay(2, 0) = %v", prev, next)
		}
	})
}

// TestUnlimitedAttempts はMaxAttemptsが0の場合に無制限になることを検証する。
func TestUnlimitedAttempts(t *testing.T) {
	t.Parallel()

	p := Policy{Initial: time.Millisecond, Multiplier: 2, Max: time.Second}
	d, ok := p.Delay(1000, 0)
	if !ok {
		t.Fatal("Delay()がfalseを返した")
	}
	if d != time.Second {
		t.Errorf("Delay(1000) = %v, want %v", d, time.Second)
	}
}

// TestValidate はポリシーの検証を確認する。
func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "既定値は有効であること", policy: Default()},
		{name: "Initialが0は無効であること", policy: Policy{Multiplier: 2, Max: time.Second}, wantErr: true},
		{name: "Multiplierが2未満は無効であること", policy: Policy{Initial: time.Second, Multiplier: 1.5, Max: time.Minute}, wantErr: true},
		{name: "MaxがInitial未満は無効であること", policy: Policy{Initial: time.Second, Multiplier: 2, Max: time.Millisecond}, wantErr: true},
		{name: "Jitterが倍増を保てない大きさは無効であること", policy: Policy{Initial: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0.2}, wantErr: true},
		{name: "JitterがMultiplier/2-1ちょうどは有効であること", policy: Policy{Initial: time.Second, Multiplier: 3, Max: time.Minute, Jitter: 0.5}},
		{name: "負のJitterは無効であること", policy: Policy{Initial: time.Second, Multiplier: 2, Max: time.Minute, Jitter: -0.1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
