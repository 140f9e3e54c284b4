// Package client は通知配信サーバーに接続するDelivery Clientを提供する。
//
// クライアントは常に1本のWebSocket接続を維持し、接続ごとにユーザー登録を行う。
// 登録後はバックログを取得してから、その間に届いたライブ配信を順に渡す。
// 既に受け取ったIDの通知は重複として破棄する。
//
// 一定間隔でpingを送り、制限時間内にpongが届かなければ接続を切り直す。
// 切断後は指数バックオフとゆらぎを挟んで再接続し、試行回数の上限に達すると
// RunはReconnectExhaustedErrorを返す。
//
//	c, err := client.New(client.Config{URL: "ws://localhost:8086/ws", UserID: "u1"})
//	if err != nil {
//		return err
//	}
//	go func() {
//		for n := range c.Notifications() {
//			fmt.Println(n.Message)
//		}
//	}()
//	return c.Run(ctx)
package client
