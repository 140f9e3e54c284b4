package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nao1215/livenotify/pkg/backoff"
)

// DefaultChannel はPostgresBusが使用する既定のNOTIFYチャネル名。
const DefaultChannel = "livenotify_fanout"

// maxNotifyPayload はNOTIFYのペイロードの上限バイト数。
const maxNotifyPayload = 7999

// ErrPayloadTooLarge はイベントがNOTIFYのペイロード上限を超えていることを表す。
var ErrPayloadTooLarge = errors.New("fanout: イベントがNOTIFYのペイロード上限を超えています")

// PostgresBus はPostgreSQLのLISTEN/NOTIFYでイベントを中継するBusの実装。
// Notification StoreにPostgreSQLを使用する複数ホスト構成で、追加の基盤なしにプロセス間を接続する。
type PostgresBus struct {
	// pool は発行に使用するコネクションプール。
	pool *pgxpool.Pool
	// channel はNOTIFYチャネル名。
	channel string
	// reconnect はLISTEN接続が切れた際の再接続待ちのポリシー。
	reconnect backoff.Policy
	// logger は受信エラーを記録するロガー。
	logger *zap.Logger
	// done はクローズ時に閉じられるチャネル。
	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*PostgresBus)(nil)

// NewPostgresBus はPostgreSQLに接続してPostgresBusを生成する。
// channelが空の場合はDefaultChannelを使用する。
func NewPostgresBus(ctx context.Context, databaseURL, channel string, logger *zap.Logger) (*PostgresBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("コネクションプールの作成に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	policy := backoff.Default()
	policy.MaxAttempts = 0
	return &PostgresBus{
		pool:      pool,
		channel:   channel,
		reconnect: policy,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Publish はpg_notifyでイベントを発行する。
func (b *PostgresBus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return ErrPayloadTooLarge
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload)); err != nil {
		return fmt.Errorf("イベントの発行に失敗: %w", err)
	}
	return nil
}

// Run は専用の接続でLISTENし、受信したイベントをhandlerへ渡す。
// 接続が切れた場合はバックオフを挟んで再接続する。
func (b *PostgresBus) Run(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		err := b.listen(ctx, handler, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay, _ := b.reconnect.Delay(attempt, rand.Float64())
		b.logger.Warn("LISTEN接続が切断されました。再接続します",
			zap.String("channel", b.channel),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// listen は1本の接続でLISTENし、エラーが発生するまで通知を処理する。
// LISTENに成功した時点でonListenを呼び出す。
func (b *PostgresBus) listen(ctx context.Context, handler Handler, onListen func()) error {
	conn, err := pgx.ConnectConfig(ctx, b.pool.Config().ConnConfig.Copy())
	if err != nil {
		return fmt.Errorf("LISTEN用の接続に失敗: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTENに失敗: %w", err)
	}
	onListen()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("通知の待機に失敗: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			b.logger.Warn("不正なイベントを受信しました", zap.Error(err))
			continue
		}
		if err := ev.Validate(); err != nil {
			b.logger.Warn("不正なイベントを受信しました", zap.Error(err))
			continue
		}
		handler(ctx, ev)
	}
}

// Close はバスを停止し、コネクションプールを閉じる。複数回呼び出しても安全。
func (b *PostgresBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.pool.Close()
	})
	return nil
}
