package notification

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/livenotify/pkg/backoff"
	"github.com/nao1215/livenotify/pkg/client"
	"github.com/nao1215/livenotify/pkg/protocol"
)

// wsURL はテストサーバーのWebSocketエンドポイントを返す。
func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

// dial はWebSocket接続を開く。
func dial(t *testing.T, env *testEnv, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("接続に失敗: %v (status=%d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendFrame はメッセージを1つ送信する。
func sendFrame(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, requestID string, data any) {
	t.Helper()

	env, err := protocol.New(msgType, requestID, data)
	if err != nil {
		t.Fatal(err)
	}
	b, err := protocol.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("送信に失敗: %v", err)
	}
}

// readFrame はメッセージを1つ受信する。
func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("受信に失敗: %v", err)
	}
	env, err := protocol.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

// readResponse は指定した種類のメッセージが届くまで受信する。
func readResponse(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType) protocol.Envelope {
	t.Helper()

	for {
		env := readFrame(t, conn)
		if env.Type == msgType {
			return env
		}
	}
}

// register はユーザー登録を行い、応答を返す。
func register(t *testing.T, conn *websocket.Conn, userID string) *protocol.RegisterResponse {
	t.Helper()

	sendFrame(t, conn, protocol.TypeRegister, "reg", protocol.RegisterRequest{UserID: userID})
	resp, err := protocol.Decode[protocol.RegisterResponse](readResponse(t, conn, protocol.TypeRegisterResponse))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSession_RegistrationTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, SessionConfig{RegistrationTimeout: 100 * time.Millisecond}, nil)
	conn := dial(t, env, nil)

	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeError {
		t.Fatalf("メッセージ種別 = %s, want error", frame.Type)
	}
	msg, err := protocol.Decode[protocol.ErrorMessage](frame)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Message, "ユーザー登録が行われませんでした") {
		t.Errorf("エラーメッセージ = %q", msg.Message)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("切断されていません: %v", err)
	}
	if got := env.svc.Stats().Sessions; got != 0 {
		t.Errorf("セッション数 = %d, want 0", got)
	}
}

func TestSession_Register(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, SessionConfig{}, nil)

	t.Run("登録するとセッションIDを返しライブ配信を受け取る", func(t *testing.T) {
		conn := dial(t, env, nil)
		resp := register(t, conn, "u1")
		if resp.Status != protocol.StatusSuccess || resp.SessionID == "" || resp.InstanceID != "instance-a" {
			t.Fatalf("登録応答 = %+v", resp)
		}

		n := dispatch(t, env.svc, "u1", "ライブ配信")
		got, err := protocol.Decode[protocol.Notification](readResponse(t, conn, protocol.TypeNotification))
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != n.ID || got.Message != "ライブ配信" {
			t.Errorf("受信した通知 = %+v", got)
		}
	})

	t.Run("同じユーザーで再登録しても同じセッションのまま", func(t *testing.T) {
		conn := dial(t, env, nil)
		first := register(t, conn, "u2")
		second := register(t, conn, "u2")
		if second.Status != protocol.StatusSuccess || second.SessionID != first.SessionID {
			t.Errorf("再登録の応答 = %+v, want セッションID %s", second, first.SessionID)
		}
		if sessions := env.reg.SessionsFor("u2"); len(sessions) != 1 {
			t.Errorf("u2のセッション数 = %d, want 1", len(sessions))
		}
	})

	t.Run("別のユーザーでの再登録は拒否する", func(t *testing.T) {
		conn := dial(t, env, nil)
		register(t, conn, "u3")
		resp := register(t, conn, "u4")
		if resp.Status != protocol.StatusError {
			t.Errorf("登録応答 = %+v, want error", resp)
		}
		if sessions := env.reg.SessionsFor("u4"); len(sessions) != 0 {
			t.Errorf("u4のセッションが登録されました")
		}
	})

	t.Run("空のユーザーIDは拒否する", func(t *testing.T) {
		conn := dial(t, env, nil)
		resp := register(t, conn, " ")
		if resp.Status != protocol.StatusError {
			t.Errorf("登録応答 = %+v, want error", resp)
		}
	})

	t.Run("終了したセッションへのPushはErrSessionClosedを返す", func(t *testing.T) {
		conn := dial(t, env, nil)
		resp := register(t, conn, "u6")
		sess, ok := env.reg.Lookup(resp.SessionID)
		if !ok {
			t.Fatal("セッションが登録されていません")
		}
		ws := sess.(*wsSession)

		ping, err := protocol.New(protocol.TypePing, "", protocol.Ping{SentAt: time.Now().UTC()})
		if err != nil {
			t.Fatal(err)
		}
		if err := ws.Push(ping); err != nil {
			t.Fatalf("終了前のPush() = %v, want nil", err)
		}

		ws.close()
		// 送信バッファに空きがあっても終了後の追加は受け付けない
		for range cap(ws.send) + 1 {
			if err := ws.Push(ping); !errors.Is(err, ErrSessionClosed) {
				t.Fatalf("終了後のPush() = %v, want ErrSessionClosed", err)
			}
		}
	})

	t.Run("切断するとレジストリから削除される", func(t *testing.T) {
		conn := dial(t, env, nil)
		register(t, conn, "u5")
		if len(env.reg.SessionsFor("u5")) != 1 {
			t.Fatal("セッションが登録されていません")
		}
		conn.Close()

		deadline := time.Now().Add(5 * time.Second)
		for len(env.reg.SessionsFor("u5")) != 0 {
			if time.Now().After(deadline) {
				t.Fatal("切断後もセッションが残っています")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}

func TestSession_Token(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, SessionConfig{RequireToken: true}, nil)
	bearer := func(token string) http.Header {
		return http.Header{"Authorization": []string{"Bearer " + token}}
	}

	t.Run("トークンが無い接続は401", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
		if err == nil {
			t.Fatal("接続できてしまいました")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("レスポンス = %v, want 401", resp)
		}
	})

	t.Run("不正なトークンは401", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), bearer("invalid"))
		if err == nil {
			t.Fatal("接続できてしまいました")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("レスポンス = %v, want 401", resp)
		}
	})

	t.Run("クエリパラメータのトークンでも接続できる", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(env.wsURL()+"?token="+userToken(t, "u1"), nil)
		if err != nil {
			t.Fatalf("接続に失敗: %v", err)
		}
		defer conn.Close()
		if resp := register(t, conn, "u1"); resp.Status != protocol.StatusSuccess {
			t.Errorf("登録応答 = %+v", resp)
		}
	})

	t.Run("トークンと異なるユーザーIDは拒否する", func(t *testing.T) {
		conn := dial(t, env, bearer(userToken(t, "u1")))
		if resp := register(t, conn, "u2"); resp.Status != protocol.StatusError {
			t.Errorf("登録応答 = %+v, want error", resp)
		}
	})
}

func TestSession_Origin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, SessionConfig{AllowedOrigins: []string{"http://app.example.com"}}, nil)

	t.Run("許可されたオリジンは接続できる", func(t *testing.T) {
		dial(t, env, http.Header{"Origin": []string{"http://app.example.com"}})
	})

	t.Run("許可されていないオリジンは403", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), http.Header{"Origin": []string{"http://evil.example.com"}})
		if err == nil {
			t.Fatal("接続できてしまいました")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("レスポンス = %v, want 403", resp)
		}
	})
}

func TestSession_Requests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, SessionConfig{}, nil)
	first := dispatch(t, env.svc, "u1", "1件目")
	second := dispatch(t, env.svc, "u1", "2件目")
	foreign := dispatch(t, env.svc, "u2", "他ユーザー")
	conn := dial(t, env, nil)

	t.Run("登録前でもpingにはpongを返す", func(t *testing.T) {
		sendFrame(t, conn, protocol.TypePing, "p1", protocol.Ping{SentAt: time.Now().UTC()})
		pong := readFrame(t, conn)
		if pong.Type != protocol.TypePong || pong.RequestID != "p1" {
			t.Errorf("応答 = %+v, want request_id=p1のpong", pong)
		}
	})

	t.Run("登録前のmark_readはエラー", func(t *testing.T) {
		sendFrame(t, conn, protocol.TypeMarkRead, "m0", protocol.MarkReadRequest{NotificationIDs: []int64{first.ID}})
		resp := readFrame(t, conn)
		if resp.Type != protocol.TypeError || resp.RequestID != "m0" {
			t.Errorf("応答 = %+v, want request_id=m0のerror", resp)
		}
	})

	register(t, conn, "u1")

	t.Run("通知一覧を新しい順に返す", func(t *testing.T) {
		sendFrame(t, conn, protocol.TypeGetNotifications, "g1", protocol.GetNotificationsRequest{Limit: 10})
		frame := readResponse(t, conn, protocol.TypeGetNotificationsResponse)
		if frame.RequestID != "g1" {
			t.Errorf("RequestID = %q, want g1", frame.RequestID)
		}
		resp, err := protocol.Decode[protocol.GetNotificationsResponse](frame)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != protocol.StatusSuccess || len(resp.Notifications) != 2 {
			t.Fatalf("応答 = %+v", resp)
		}
		if resp.Notifications[0].ID != second.ID || resp.Notifications[1].ID != first.ID {
			t.Errorf("順序 = [%d, %d], want [%d, %d]", resp.Notifications[0].ID, resp.Notifications[1].ID, second.ID, first.ID)
		}
	})

	t.Run("since_idより新しい通知のみ返す", func(t *testing.T) {
		sendFrame(t, conn, protocol.TypeGetNotifications, "g2", protocol.GetNotificationsRequest{Limit: 10, SinceID: first.ID})
		resp, err := protocol.Decode[protocol.GetNotificationsResponse](readResponse(t, conn, protocol.TypeGetNotificationsResponse))
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Notifications) != 1 || resp.Notifications[0].ID != second.ID {
			t.Errorf("通知一覧 = %+v", resp.Notifications)
		}
	})

	t.Run("既読化は他ユーザーの通知を無視する", func(t *testing.T) {
		id := first.ID
		sendFrame(t, conn, protocol.TypeMarkRead, "m1", protocol.MarkReadRequest{NotificationID: &id, NotificationIDs: []int64{foreign.ID}})
		resp, err := protocol.Decode[protocol.MarkReadResponse](readResponse(t, conn, protocol.TypeMarkReadResponse))
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != protocol.StatusSuccess {
			t.Fatalf("応答 = %+v", resp)
		}
		if len(resp.Applied) != 1 || resp.Applied[0] != first.ID {
			t.Errorf("Applied = %v, want [%d]", resp.Applied, first.ID)
		}
		if len(resp.Ignored) != 1 || resp.Ignored[0] != foreign.ID {
			t.Errorf("Ignored = %v, want [%d]", resp.Ignored, foreign.ID)
		}
	})

	t.Run("他ユーザーの通知のみの既読化は失敗を返す", func(t *testing.T) {
		sendFrame(t, conn, protocol.TypeMarkRead, "m2", protocol.MarkReadRequest{NotificationIDs: []int64{foreign.ID}})
		resp, err := protocol.Decode[protocol.MarkReadResponse](readResponse(t, conn, protocol.TypeMarkReadResponse))
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != protocol.StatusError {
			t.Errorf("応答 = %+v, want error", resp)
		}
	})

	t.Run("不明なメッセージ種別はエラー", func(t *testing.T) {
		sendFrame(t, conn, "subscribe", "x1", nil)
		resp := readResponse(t, conn, protocol.TypeError)
		if resp.RequestID != "x1" {
			t.Errorf("RequestID = %q, want x1", resp.RequestID)
		}
	})
}

// gateClock はテストが許可するまで再接続を待たせる時計。
type gateClock struct {
	gate chan time.Time
}

func (g *gateClock) After(time.Duration) <-chan time.Time {
	return g.gate
}

func TestDeliveryClient_EndToEnd(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, SessionConfig{}, nil)
	before := dispatch(t, env.svc, "u1", "接続前")

	clock := &gateClock{gate: make(chan time.Time, 1)}
	c, err := client.New(client.Config{
		URL:               env.wsURL(),
		UserID:            "u1",
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
		Backoff: backoff.Policy{
			Initial:    10 * time.Millisecond,
			Multiplier: 2,
			Max:        time.Second,
		},
		Clock: clock,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	next := func(t *testing.T) protocol.Notification {
		t.Helper()
		select {
		case n := <-c.Notifications():
			return n
		case <-time.After(5 * time.Second):
			t.Fatal("通知を受け取れませんでした")
			return protocol.Notification{}
		}
	}
	waitState := func(t *testing.T, match func(client.StateChange) bool) {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case change := <-c.States():
				if match(change) {
					return
				}
			case <-timeout:
				t.Fatal("期待した状態遷移が届きませんでした")
			}
		}
	}
	fresh := func(change client.StateChange) bool {
		return change.State == client.StateRegistered && !change.Stale
	}

	t.Run("接続時にバックログを受け取る", func(t *testing.T) {
		if got := next(t); got.ID != before.ID {
			t.Errorf("通知ID = %d, want %d", got.ID, before.ID)
		}
		waitState(t, fresh)
	})

	t.Run("ライブ配信を1回だけ受け取る", func(t *testing.T) {
		live := dispatch(t, env.svc, "u1", "ライブ")
		if got := next(t); got.ID != live.ID {
			t.Errorf("通知ID = %d, want %d", got.ID, live.ID)
		}
	})

	t.Run("ハートビートで接続が維持される", func(t *testing.T) {
		time.Sleep(200 * time.Millisecond)
		if c.State() != client.StateRegistered {
			t.Errorf("State() = %v, want registered", c.State())
		}
	})

	t.Run("切断中の通知を再接続後に1回だけ受け取る", func(t *testing.T) {
		sess, ok := env.reg.Lookup(c.SessionID())
		if !ok {
			t.Fatal("クライアントのセッションが見つかりません")
		}
		sess.(*wsSession).close()
		waitState(t, func(change client.StateChange) bool {
			return change.State == client.StateDisconnected && change.Stale
		})

		missed := dispatch(t, env.svc, "u1", "切断中")
		clock.gate <- time.Now()

		if got := next(t); got.ID != missed.ID {
			t.Errorf("通知ID = %d, want %d", got.ID, missed.ID)
		}
		waitState(t, fresh)
		if c.LastSeenID() != missed.ID {
			t.Errorf("LastSeenID() = %d, want %d", c.LastSeenID(), missed.ID)
		}

		resp, err := c.MarkRead(t.Context(), missed.ID)
		if err != nil {
			t.Fatalf("MarkRead() error = %v", err)
		}
		if len(resp.Applied) != 1 || resp.Applied[0] != missed.ID {
			t.Errorf("Applied = %v, want [%d]", resp.Applied, missed.ID)
		}
	})

	t.Run("ブロードキャストを受け取る", func(t *testing.T) {
		if _, err := env.svc.DispatchBroadcast(t.Context(), Input{Message: "全体", Severity: protocol.SeverityInfo}, nil); err != nil {
			t.Fatal(err)
		}
		if got := next(t); !got.Broadcast {
			t.Errorf("通知 = %+v, want ブロードキャスト", got)
		}
	})
}
