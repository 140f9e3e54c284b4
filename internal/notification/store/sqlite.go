package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/livenotify/pkg/migration"
	"github.com/nao1215/livenotify/pkg/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore はSQLiteを使用したStoreの実装。
// 同一ホスト上の複数プロセスからWALモードで共有できる。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// sqliteRow はnotificationsテーブルの1行。
type sqliteRow struct {
	ID          int64          `db:"id"`
	RecipientID string         `db:"recipient_id"`
	Title       string         `db:"title"`
	Message     string         `db:"message"`
	Severity    string         `db:"severity"`
	Category    string         `db:"category"`
	Payload     sql.NullString `db:"payload"`
	CreatedAt   int64          `db:"created_at"`
	IsRead      int64          `db:"is_read"`
	ReadAt      sql.NullInt64  `db:"read_at"`
}

// toNotification はDB行を通知に変換する。
func (r sqliteRow) toNotification() Notification {
	n := Notification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Title:       r.Title,
		Message:     r.Message,
		Severity:    protocol.Severity(r.Severity),
		Category:    r.Category,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		Read:        r.IsRead != 0,
	}
	if r.Payload.Valid && r.Payload.String != "" {
		n.Payload = json.RawMessage(r.Payload.String)
	}
	if r.ReadAt.Valid {
		readAt := time.Unix(0, r.ReadAt.Int64).UTC()
		n.ReadAt = &readAt
	}
	return n
}

const sqliteColumns = `id, recipient_id, title, message, severity, category, payload, created_at, is_read, read_at`

// NewSQLiteStore はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに ":memory:" を指定するとインメモリデータベースになる。
func NewSQLiteStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteの書き込みは直列化されるため接続は1本に制限する
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%sの設定に失敗: %w", pragma, err)
		}
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create は通知を保存する。
func (s *SQLiteStore) Create(ctx context.Context, params CreateParams) (*Notification, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	createdAt := s.now().UTC()
	var payload sql.NullString
	if len(params.Payload) > 0 {
		payload = sql.NullString{String: string(params.Payload), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (recipient_id, title, message, severity, category, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		params.RecipientID, params.Title, params.Message, string(params.Severity), params.Category, payload, createdAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("通知IDの取得に失敗: %w", err)
	}

	return &Notification{
		ID:          id,
		RecipientID: params.RecipientID,
		Title:       params.Title,
		Message:     params.Message,
		Severity:    params.Severity,
		Category:    params.Category,
		Payload:     params.Payload,
		CreatedAt:   time.Unix(0, createdAt.UnixNano()).UTC(),
	}, nil
}

// List はユーザーの通知を新しい順に返す。
func (s *SQLiteStore) List(ctx context.Context, params ListParams) ([]Notification, error) {
	var b strings.Builder
	b.WriteString("SELECT " + sqliteColumns + " FROM notifications WHERE recipient_id = ?")
	args := []any{params.RecipientID}
	if params.UnreadOnly {
		b.WriteString(" AND is_read = 0")
	}
	if params.SinceID > 0 {
		b.WriteString(" AND id > ?")
		args = append(args, params.SinceID)
	}
	if params.BeforeID > 0 {
		b.WriteString(" AND id < ?")
		args = append(args, params.BeforeID)
	}
	b.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, params.limit())

	var rows []sqliteRow
	if err := s.db.SelectContext(ctx, &rows, b.String(), args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	notifications := make([]Notification, 0, len(rows))
	for _, r := range rows {
		notifications = append(notifications, r.toNotification())
	}
	return notifications, nil
}

// MarkRead は指定された通知を既読にする。
// 未読の判定と更新は1文のUPDATEで行い、同じファイルを共有する複数プロセスが同時に
// 既読化しても、各IDを既読にしたと報告するのはいずれか1回だけになる。
func (s *SQLiteStore) MarkRead(ctx context.Context, recipientID string, ids []int64) (*MarkReadResult, error) {
	ids, err := validateMarkRead(recipientID, ids)
	if err != nil {
		return nil, err
	}

	query, args, err := sqlx.In(
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE recipient_id = ? AND is_read = 0 AND id IN (?) RETURNING id`,
		s.now().UTC().UnixNano(), recipientID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("クエリの組み立てに失敗: %w", err)
	}
	var applied []int64
	if err := s.db.SelectContext(ctx, &applied, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("通知の既読処理に失敗: %w", err)
	}

	if len(applied) == 0 {
		query, args, err := sqlx.In(
			`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND id IN (?)`,
			recipientID, ids,
		)
		if err != nil {
			return nil, fmt.Errorf("クエリの組み立てに失敗: %w", err)
		}
		var owned int64
		if err := s.db.GetContext(ctx, &owned, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("通知の所有者確認に失敗: %w", err)
		}
		if owned == 0 {
			return nil, &NotFoundError{RecipientID: recipientID, IDs: ids}
		}
	}

	unread := make(map[int64]struct{}, len(applied))
	for _, id := range applied {
		unread[id] = struct{}{}
	}
	return splitMarkRead(ids, unread), nil
}

// MarkAllRead はユーザーの未読通知をすべて既読にする。
func (s *SQLiteStore) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE recipient_id = ? AND is_read = 0`,
		s.now().UTC().UnixNano(), recipientID,
	)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return res.RowsAffected()
}

// UnreadCount はユーザーの未読通知の件数を返す。
func (s *SQLiteStore) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0`, recipientID,
	); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// Prune はolderThanより前に作成された既読通知を削除する。
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE is_read = 1 AND created_at < ?`, olderThan.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("既読通知の削除に失敗: %w", err)
	}
	return res.RowsAffected()
}
