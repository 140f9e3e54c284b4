package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/livenotify/pkg/httpclient"
)

// IngressPath はHTTPPeerBusがイベントを転送する先のパス。
// 各サーバープロセスはこのパスで受け取ったイベントをReceiveへ渡す。
const IngressPath = "/api/v1/internal/fanout"

// maxConcurrentPeers は同時に転送するピアの最大数。
const maxConcurrentPeers = 16

// ErrBufferFull は受信バッファが満杯でイベントを受け付けられないことを表す。
var ErrBufferFull = errors.New("fanout: 受信バッファが満杯です")

// HTTPPeerBusConfig はHTTPPeerBusの設定。
type HTTPPeerBusConfig struct {
	// PeerURLs は自分以外のサーバープロセスのベースURL。
	PeerURLs []string
	// TokenSource はピアへの転送時に付与するサービストークンを返す。
	TokenSource httpclient.TokenSource
	// Timeout はピア1件あたりの転送タイムアウト。
	Timeout time.Duration
	// Buffer は受信バッファのサイズ。0以下の場合はDefaultBuffer。
	Buffer int
}

// HTTPPeerBus は既知のピアへHTTPでイベントを転送するBusの実装。
// 追加のミドルウェアなしで複数プロセスを構成する場合に使用する。
type HTTPPeerBus struct {
	// peers は転送先のクライアント。
	peers []*httpclient.Client
	// events はReceiveで受け付けたイベントの受信バッファ。
	events chan Event
	// logger は転送失敗を記録するロガー。
	logger *zap.Logger
	// done はクローズ時に閉じられるチャネル。
	done      chan struct{}
	closeOnce sync.Once
}

var _ Bus = (*HTTPPeerBus)(nil)

// NewHTTPPeerBus は新しいHTTPPeerBusを生成する。
func NewHTTPPeerBus(cfg HTTPPeerBusConfig, logger *zap.Logger) *HTTPPeerBus {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	opts := []httpclient.Option{}
	if cfg.Timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(cfg.Timeout))
	}
	if cfg.TokenSource != nil {
		opts = append(opts, httpclient.WithTokenSource(cfg.TokenSource))
	}

	peers := make([]*httpclient.Client, 0, len(cfg.PeerURLs))
	for _, u := range cfg.PeerURLs {
		peers = append(peers, httpclient.New(u, opts...))
	}
	return &HTTPPeerBus{
		peers:  peers,
		events: make(chan Event, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish は全ピアへ並行してイベントを転送する。
// 一部のピアへの転送に失敗しても残りのピアへの転送は継続し、失敗件数をエラーとして返す。
func (b *HTTPPeerBus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(maxConcurrentPeers)
	for _, peer := range b.peers {
		g.Go(func() error {
			if err := peer.PostJSON(ctx, IngressPath, ev, nil); err != nil {
				failed.Add(1)
				b.logger.Warn("ピアへのイベント転送に失敗しました",
					zap.String("peer", peer.BaseURL()),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("fanout: %d/%d件のピアへの転送に失敗しました", n, len(b.peers))
	}
	return nil
}

// Receive はピアから転送されたイベントを受信バッファへ積む。ブロックしない。
func (b *HTTPPeerBus) Receive(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.events <- ev:
		return nil
	default:
		b.logger.Warn("受信バッファが満杯のためイベントを破棄しました",
			zap.String("kind", string(ev.Kind)),
			zap.String("origin", ev.Origin),
		)
		return ErrBufferFull
	}
}

// Run は受信したイベントを順にhandlerへ渡す。
func (b *HTTPPeerBus) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case ev := <-b.events:
			handler(ctx, ev)
		}
	}
}

// Close はバスを停止する。複数回呼び出しても安全。
func (b *HTTPPeerBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}
