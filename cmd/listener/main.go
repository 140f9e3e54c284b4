// 通知リスナーのエントリポイント。
// 通知サービスへWebSocketで接続し、受信した通知とダイレクトメッセージを端末へ表示する。
// 切断時は指数バックオフで再接続し、切断中に作成された通知を取りこぼさず表示する。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nao1215/livenotify/internal/logging"
	"github.com/nao1215/livenotify/pkg/client"
	"github.com/nao1215/livenotify/pkg/middleware"
)

// options はコマンドラインオプション。
type options struct {
	url       string
	userID    string
	token     string
	secret    string
	markRead  bool
	pageSize  int
	heartbeat time.Duration
	logLevel  string
}

func parseOptions(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("listener", pflag.ContinueOnError)
	fs.StringVar(&opts.url, "url", "ws://localhost:8086/ws", "通知サービスのWebSocketエンドポイント")
	fs.StringVarP(&opts.userID, "user", "u", "", "登録するユーザーID (必須)")
	fs.StringVar(&opts.token, "token", os.Getenv("LIVENOTIFY_TOKEN"), "接続に使用するユーザートークン")
	fs.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "トークンが未指定の場合に自分で署名する秘密鍵 (開発用)")
	fs.BoolVar(&opts.markRead, "mark-read", false, "表示した通知を既読にする")
	fs.IntVar(&opts.pageSize, "backlog", client.DefaultBacklogPageSize, "再接続時に1回で取得する未受信通知の件数")
	fs.DurationVar(&opts.heartbeat, "heartbeat", client.DefaultHeartbeatInterval, "ハートビートの間隔")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "ログレベル")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.userID == "" {
		return nil, errors.New("--userを指定してください")
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("引数が不正です: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.Fatalf("リスナーが異常終了しました: %v", err)
	}
}

// run は通知サービスへ接続し、ctxが終了するまで受信した内容をwへ表示する。
func run(ctx context.Context, opts *options, w io.Writer) error {
	logger, err := logging.New("development", opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	token := opts.token
	if token == "" && opts.secret != "" {
		token, err = middleware.GenerateJWT(opts.secret, opts.userID, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("トークンの生成に失敗: %w", err)
		}
	}

	c, err := client.New(client.Config{
		URL:               opts.url,
		UserID:            opts.userID,
		Token:             token,
		BacklogPageSize:   opts.pageSize,
		HeartbeatInterval: opts.heartbeat,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
	}()

	for {
		select {
		case err := <-errCh:
			return err
		case change := <-c.States():
			fmt.Fprintln(w, renderState(change))
		case n := <-c.Notifications():
			fmt.Fprintln(w, renderNotification(n))
			if opts.markRead && n.ID > 0 {
				// 応答待ちの間も受信を止めないよう別のゴルーチンで送る。
				go func(id int64) {
					if _, err := c.MarkRead(ctx, id); err != nil {
						logger.Sugar().Warnw("既読にできませんでした", "id", id, "error", err)
					}
				}(n.ID)
			}
		case msg := <-c.DirectMessages():
			fmt.Fprintln(w, renderDirectMessage(msg))
		}
	}
}
