package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/livenotify/internal/notification/store"
)

// Sweeper は保持期間を過ぎた既読通知を定期的に削除するバックグラウンドプロセス。
// 未読の通知は削除しない。配信処理とは独立して動作する。
type Sweeper struct {
	// store は削除対象の通知の保存先。
	store store.Store
	// retention は既読通知の保持期間。
	retention time.Duration
	// interval は削除処理の実行間隔。
	interval time.Duration
	// metrics は削除件数の計測に使用する。
	metrics *Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
	// now は現在時刻を返す関数。
	now func() time.Time

	mu sync.Mutex
	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// done はバックグラウンドゴルーチンの終了時に閉じられる。
	done chan struct{}
}

// NewSweeper は新しいSweeperを生成する。
func NewSweeper(st store.Store, retention, interval time.Duration, metrics *Metrics, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		retention: retention,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Start はバックグラウンドで定期削除を開始する。intervalが0以下の場合は何もしない。
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info("既読通知の定期削除を開始します",
			zap.Duration("retention", s.retention),
			zap.Duration("interval", s.interval),
		)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("既読通知の定期削除を停止しました")
				return
			case <-ticker.C:
				if _, err := s.PruneNow(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("既読通知の定期削除に失敗しました", zap.Error(err))
				}
			}
		}
	}()
}

// Stop はバックグラウンドの定期削除を停止し、終了するまで待つ。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PruneNow は保持期間を過ぎた既読通知を直ちに削除し、削除件数を返す。
func (s *Sweeper) PruneNow(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("既読通知の削除に失敗: %w", err)
	}
	s.metrics.addPruned(ctx, n)
	if n > 0 {
		s.logger.Info("既読通知を削除しました", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
