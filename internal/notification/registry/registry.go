// Package registry はサーバープロセスごとのConnection Registryを提供する。
//
// ユーザーIDから、そのプロセスが保持している生存中のセッションへの対応を管理する。
// レジストリはトランスポートの接続・切断イベントによってのみ変更され、
// 通知の永続化には関与しない。全プロセスのレジストリの和が論理的な
// グローバルレジストリとなり、他プロセスのセッションにはFan-out Bus経由で到達する。
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/nao1215/livenotify/pkg/protocol"
)

// Session はレジストリに登録される生存中のセッション。
// セッションの実体は接続を受け付けたプロセスのみが所有する。
type Session interface {
	// ID はセッションの一意識別子を返す。
	ID() string
	// UserID はセッションを所有するユーザーのIDを返す。
	UserID() string
	// Push はメッセージをセッションへ送信する。ブロックせず、送信できない場合はエラーを返す。
	Push(env protocol.Envelope) error
}

var (
	// ErrInvalidSession はセッションIDまたはユーザーIDが空であることを表す。
	ErrInvalidSession = errors.New("registry: セッションIDとユーザーIDは必須です")
	// ErrSessionConflict は同じセッションIDが別のユーザーで登録済みであることを表す。
	ErrSessionConflict = errors.New("registry: セッションIDは別のユーザーで登録済みです")
)

// Stats はレジストリの統計情報。
type Stats struct {
	// Sessions は生存中のセッション数。
	Sessions int `json:"sessions"`
	// Users はセッションを1つ以上持つユーザー数。
	Users int `json:"users"`
}

// Registry はユーザーIDとセッションの対応をミューテックスで保護して管理する。
// ゼロ値は使用できないため、Newで生成すること。
type Registry struct {
	mu sync.RWMutex
	// byUser はユーザーIDごとのセッション集合。
	byUser map[string]map[string]Session
	// bySession はセッションIDからセッションへの対応。
	bySession map[string]Session
}

// New は空のレジストリを生成する。
func New() *Registry {
	return &Registry{
		byUser:    make(map[string]map[string]Session),
		bySession: make(map[string]Session),
	}
}

// Register はセッションをユーザーの下に登録する。
// 同じセッションを同じユーザーで再登録した場合は何もしない。
func (r *Registry) Register(s Session) error {
	if s == nil || s.ID() == "" || s.UserID() == "" {
		return ErrInvalidSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySession[s.ID()]; ok {
		if existing.UserID() != s.UserID() {
			return ErrSessionConflict
		}
		delete(r.byUser[existing.UserID()], s.ID())
	}

	sessions, ok := r.byUser[s.UserID()]
	if !ok {
		sessions = make(map[string]Session)
		r.byUser[s.UserID()] = sessions
	}
	sessions[s.ID()] = s
	r.bySession[s.ID()] = s
	return nil
}

// Unregister はセッションを所属するユーザーから取り除く。
// 登録されていない場合は何もせずfalseを返す。切断とログアウトが競合しても安全に呼び出せる。
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return false
	}
	delete(r.bySession, sessionID)

	sessions := r.byUser[s.UserID()]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(r.byUser, s.UserID())
	}
	return true
}

// SessionsFor はこのプロセスが保持しているユーザーのセッションを返す。
// 返り値は呼び出し時点のスナップショットで、ネットワーク通信は行わない。
func (r *Registry) SessionsFor(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byUser[userID]
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// Lookup はセッションIDに対応するセッションを返す。
func (r *Registry) Lookup(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.bySession[sessionID]
	return s, ok
}

// AllLocalUsers はこのプロセスにセッションを持つユーザーIDを昇順で返す。
// 監視・診断用。
func (r *Registry) AllLocalUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	slices.Sort(users)
	return users
}

// Stats はセッション数とユーザー数を返す。
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{Sessions: len(r.bySession), Users: len(r.byUser)}
}
