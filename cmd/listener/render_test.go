package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/livenotify/pkg/client"
	"github.com/nao1215/livenotify/pkg/protocol"
)

func TestRenderNotification(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		n    protocol.Notification
		want []string
	}{
		{
			name: "タイトルと分類を表示する",
			n: protocol.Notification{ID: 42, Title: "デプロイ", Message: "完了しました",
				Severity: protocol.SeveritySuccess, Category: "ci", CreatedAt: createdAt},
			want: []string{"[SUCCESS]", "デプロイ", "完了しました", "#42", "ci"},
		},
		{
			name: "ブロードキャストはIDの代わりに種別を表示する",
			n:    protocol.Notification{Message: "メンテナンス", Severity: protocol.SeverityWarning, Broadcast: true},
			want: []string{"[WARNING]", "メンテナンス", "broadcast"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := renderNotification(tt.n)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("renderNotification() = %q, %qを含みません", got, w)
				}
			}
		})
	}
}

func TestRenderDirectMessage(t *testing.T) {
	t.Parallel()

	got := renderDirectMessage(protocol.DirectMessage{Message: "こんにちは"})
	if !strings.Contains(got, "DM from system:") || !strings.Contains(got, "こんにちは") {
		t.Errorf("renderDirectMessage() = %q", got)
	}
	got = renderDirectMessage(protocol.DirectMessage{Message: "やあ", SenderID: "alice"})
	if !strings.Contains(got, "DM from alice:") {
		t.Errorf("renderDirectMessage() = %q", got)
	}
}

func TestRenderState(t *testing.T) {
	t.Parallel()

	got := renderState(client.StateChange{
		State:   client.StateDisconnected,
		Stale:   true,
		Attempt: 2,
		Delay:   1500 * time.Millisecond,
		Err:     errors.New("connection refused"),
	})
	for _, w := range []string{"disconnected", "attempt 2", "1.5s", "connection refused", "[stale]"} {
		if !strings.Contains(got, w) {
			t.Errorf("renderState() = %q, %qを含みません", got, w)
		}
	}
	if got := renderState(client.StateChange{State: client.StateRegistered}); !strings.Contains(got, "registered") {
		t.Errorf("renderState() = %q", got)
	}
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーIDは必須", func(t *testing.T) {
		t.Parallel()
		if _, err := parseOptions([]string{"--url", "ws://example.com/ws"}); err == nil {
			t.Error("エラーが返されませんでした")
		}
	})

	t.Run("オプションを読み込む", func(t *testing.T) {
		t.Parallel()
		opts, err := parseOptions([]string{"-u", "alice", "--mark-read", "--backlog", "20", "--heartbeat", "5s"})
		if err != nil {
			t.Fatalf("parseOptions() error = %v", err)
		}
		if opts.userID != "alice" || !opts.markRead || opts.pageSize != 20 || opts.heartbeat != 5*time.Second {
			t.Errorf("opts = %+v", opts)
		}
	})
}
