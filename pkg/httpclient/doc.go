// Package httpclient はJSONでやり取りするHTTPクライアントを提供する。
//
// サーバープロセス間でFan-outイベントを転送するHTTPピアバスと、
// リスナーCLIからの管理用REST APIの呼び出しに使用する。
// 接続先ごとにベースURL・タイムアウト・Bearerトークンを設定できる。
package httpclient
