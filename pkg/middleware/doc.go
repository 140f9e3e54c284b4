// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証とサービストークンによる内部APIの保護、
// zapによるアクセスログとパニックリカバリ、CORS設定を含む。
package middleware
