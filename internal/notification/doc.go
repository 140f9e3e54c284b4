// Package notification は通知のリアルタイム配信サービスの内部実装を提供する。
//
// 通知は永続化された後、受信者が接続中のすべてのセッションへWebSocketで配信される。
// 受信者が別のサーバープロセスに接続している場合はFan-out Busを経由して配信する。
// ライブ配信は最大1回で、取りこぼした通知はクライアントが再接続時に
// バックログとして取得する。ブロードキャストは永続化せず、接続中のセッションにのみ届く。
//
// WebSocket接続は登録待ち状態で始まり、制限時間内にregisterメッセージを受け取ると
// 登録済み状態になる。REST APIと内部APIはGinで提供する。
package notification
