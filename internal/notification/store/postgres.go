package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nao1215/livenotify/pkg/protocol"
)

// postgresSchema はPostgreSQL用のスキーマ定義。
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		severity TEXT NOT NULL CHECK (severity IN ('info', 'success', 'warning', 'error')),
		category TEXT NOT NULL DEFAULT '',
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		read_at TIMESTAMPTZ,
		CHECK (is_read = (read_at IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications (recipient_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications (recipient_id) WHERE NOT is_read`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_read_created ON notifications (created_at) WHERE is_read`,
}

const postgresColumns = `id, recipient_id, title, message, severity, category, payload, created_at, is_read, read_at`

// PostgresStore はPostgreSQLを使用したStoreの実装。
// 複数ホストのサーバープロセスで同じ通知を共有する場合に使用する。
type PostgresStore struct {
	// pool はPostgreSQLのコネクションプール。
	pool *pgxpool.Pool
	// now は現在時刻を返す関数。
	now func() time.Time
}

// NewPostgresStore はPostgreSQLに接続し、スキーマを適用する。
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("コネクションプールの作成に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
		}
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close はコネクションプールを閉じる。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// scanPostgresNotification は1行を通知に変換する。
func scanPostgresNotification(row pgx.CollectableRow) (Notification, error) {
	var (
		n        Notification
		severity string
		payload  []byte
	)
	if err := row.Scan(
		&n.ID, &n.RecipientID, &n.Title, &n.Message, &severity, &n.Category,
		&payload, &n.CreatedAt, &n.Read, &n.ReadAt,
	); err != nil {
		return Notification{}, err
	}
	n.Severity = protocol.Severity(severity)
	n.CreatedAt = n.CreatedAt.UTC()
	if n.ReadAt != nil {
		readAt := n.ReadAt.UTC()
		n.ReadAt = &readAt
	}
	if len(payload) > 0 {
		n.Payload = json.RawMessage(payload)
	}
	return n, nil
}

// Create は通知を保存する。
func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*Notification, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var payload any
	if len(params.Payload) > 0 {
		payload = string(params.Payload)
	}

	rows, err := s.pool.Query(ctx, `
		INSERT INTO notifications (recipient_id, title, message, severity, category, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+postgresColumns,
		params.RecipientID, params.Title, params.Message, string(params.Severity), params.Category, payload, s.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanPostgresNotification)
	if err != nil {
		return nil, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	return &n, nil
}

// List はユーザーの通知を新しい順に返す。
func (s *PostgresStore) List(ctx context.Context, params ListParams) ([]Notification, error) {
	var b strings.Builder
	args := []any{params.RecipientID}
	b.WriteString("SELECT " + postgresColumns + " FROM notifications WHERE recipient_id = $1")
	if params.UnreadOnly {
		b.WriteString(" AND NOT is_read")
	}
	if params.SinceID > 0 {
		args = append(args, params.SinceID)
		fmt.Fprintf(&b, " AND id > $%d", len(args))
	}
	if params.BeforeID > 0 {
		args = append(args, params.BeforeID)
		fmt.Fprintf(&b, " AND id < $%d", len(args))
	}
	args = append(args, params.limit())
	fmt.Fprintf(&b, " ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	notifications, err := pgx.CollectRows(rows, scanPostgresNotification)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// MarkRead は指定された通知を1トランザクションで既読にする。
// 対象行はFOR UPDATEでロックし、同時実行時も既読日時が一度だけ設定されるようにする。
func (s *PostgresStore) MarkRead(ctx context.Context, recipientID string, ids []int64) (*MarkReadResult, error) {
	ids, err := validateMarkRead(recipientID, ids)
	if err != nil {
		return nil, err
	}

	var result *MarkReadResult
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, is_read FROM notifications WHERE recipient_id = $1 AND id = ANY($2) FOR UPDATE`,
			recipientID, ids,
		)
		if err != nil {
			return fmt.Errorf("通知の所有者確認に失敗: %w", err)
		}

		var found int
		unread := make(map[int64]struct{}, len(ids))
		var unreadIDs []int64
		var (
			id     int64
			isRead bool
		)
		if _, err := pgx.ForEachRow(rows, []any{&id, &isRead}, func() error {
			found++
			if !isRead {
				unread[id] = struct{}{}
				unreadIDs = append(unreadIDs, id)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("通知の所有者確認に失敗: %w", err)
		}
		if found == 0 {
			return &NotFoundError{RecipientID: recipientID, IDs: ids}
		}

		if len(unreadIDs) > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE notifications SET is_read = TRUE, read_at = $3 WHERE recipient_id = $1 AND id = ANY($2) AND NOT is_read`,
				recipientID, unreadIDs, s.now().UTC(),
			); err != nil {
				return fmt.Errorf("通知の既読処理に失敗: %w", err)
			}
		}
		result = splitMarkRead(ids, unread)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkAllRead はユーザーの未読通知をすべて既読にする。
func (s *PostgresStore) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = $2 WHERE recipient_id = $1 AND NOT is_read`,
		recipientID, s.now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UnreadCount はユーザーの未読通知の件数を返す。
func (s *PostgresStore) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read`, recipientID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// Prune はolderThanより前に作成された既読通知を削除する。
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE is_read AND created_at < $1`, olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("既読通知の削除に失敗: %w", err)
	}
	return tag.RowsAffected(), nil
}
