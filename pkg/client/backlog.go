package client

import (
	"context"

	"github.com/nao1215/livenotify/pkg/protocol"
)

// beginReplay はライブ配信の退避を開始する。
// 登録応答より先にプッシュが届くことがあるため、registerを送る前に呼び出す。
func (c *Client) beginReplay() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.replaying = true
	c.buffered = nil
}

// replayBacklog はバックログを取得して古い順に渡し、その後に退避したライブ配信を渡す。
//
// 初回の接続では最新の1ページのみ取得する。再接続では前回のバックログ取得以降の通知を
// すべて取得し、既に渡したIDを除いて渡す。ライブ配信はID順に届くとは限らないため、
// 最後に受け取ったIDではなく前回取得した範囲を起点にする。
func (c *Client) replayBacklog(ctx context.Context) error {
	c.deliverMu.Lock()
	primed, since := c.primed, c.syncedID
	c.deliverMu.Unlock()

	var backlog []protocol.Notification
	if !primed {
		page, err := c.fetch(ctx, protocol.GetNotificationsRequest{Limit: c.cfg.BacklogPageSize})
		if err != nil {
			return err
		}
		backlog = page
	} else {
		var before int64
		for {
			page, err := c.fetch(ctx, protocol.GetNotificationsRequest{
				Limit:    c.cfg.BacklogPageSize,
				SinceID:  since,
				BeforeID: before,
			})
			if err != nil {
				return err
			}
			backlog = append(backlog, page...)
			if len(page) < c.cfg.BacklogPageSize {
				break
			}
			before = page[len(page)-1].ID
		}
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	// サーバーは新しい順に返すため逆順に渡す
	for i := len(backlog) - 1; i >= 0; i-- {
		if !c.deliverLocked(ctx, backlog[i]) {
			return ctx.Err()
		}
	}
	for _, n := range c.buffered {
		if !c.deliverLocked(ctx, n) {
			return ctx.Err()
		}
	}
	if len(backlog) > 0 && backlog[0].ID > c.syncedID {
		c.syncedID = backlog[0].ID
	}
	c.buffered = nil
	c.replaying = false
	c.primed = true
	return nil
}

// receive はライブ配信された通知を受け取る。バックログ取得中は退避する。
func (c *Client) receive(ctx context.Context, n protocol.Notification) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.replaying {
		c.buffered = append(c.buffered, n)
		return
	}
	c.deliverLocked(ctx, n)
}

// deliverLocked は直近に渡したIDでなければ通知をチャネルへ送る。
// ctxが終了して送れなかった場合はfalseを返す。呼び出し側でdeliverMuを保持すること。
func (c *Client) deliverLocked(ctx context.Context, n protocol.Notification) bool {
	if n.ID > 0 && c.seen.has(n.ID) {
		return true
	}
	select {
	case c.notifications <- n:
	case <-ctx.Done():
		return false
	}
	if n.ID <= 0 {
		return true
	}
	// 忘れたIDを次のバックログで再び渡さないよう、取得の起点をそこまで進める
	if evicted, ok := c.seen.add(n.ID); ok && evicted > c.syncedID {
		c.syncedID = evicted
	}
	if n.ID > c.lastSeenID {
		c.lastSeenID = n.ID
	}
	return true
}
