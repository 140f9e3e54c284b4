package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/nao1215/livenotify/pkg/client"
	"github.com/nao1215/livenotify/pkg/protocol"
)

// 表示に使用するスタイル。
var (
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	titleStyle = lipgloss.NewStyle().Bold(true)
	metaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	dmStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	stateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	severityStyles = map[protocol.Severity]lipgloss.Style{
		protocol.SeverityInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true),
		protocol.SeveritySuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		protocol.SeverityWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		protocol.SeverityError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

// clock は表示用の時刻を整形する。
func clock(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return timeStyle.Render(t.Local().Format("15:04:05"))
}

// renderNotification は通知を1行に整形する。
func renderNotification(n protocol.Notification) string {
	style, ok := severityStyles[n.Severity]
	if !ok {
		style = severityStyles[protocol.SeverityInfo]
	}

	var b strings.Builder
	b.WriteString(clock(n.CreatedAt))
	b.WriteString(" ")
	b.WriteString(style.Render(fmt.Sprintf("[%s]", strings.ToUpper(string(n.Severity)))))
	b.WriteString(" ")
	if n.Title != "" {
		b.WriteString(titleStyle.Render(n.Title))
		b.WriteString(": ")
	}
	b.WriteString(n.Message)

	var meta []string
	if n.Broadcast {
		meta = append(meta, "broadcast")
	} else {
		meta = append(meta, fmt.Sprintf("#%d", n.ID))
	}
	if n.Category != "" {
		meta = append(meta, n.Category)
	}
	b.WriteString(" ")
	b.WriteString(metaStyle.Render("(" + strings.Join(meta, ", ") + ")"))
	return b.String()
}

// renderDirectMessage はダイレクトメッセージを1行に整形する。
func renderDirectMessage(msg protocol.DirectMessage) string {
	from := "system"
	if msg.SenderID != "" {
		from = msg.SenderID
	}
	return fmt.Sprintf("%s %s %s", clock(msg.CreatedAt), dmStyle.Render("DM from "+from+":"), msg.Message)
}

// renderState は接続状態の変化を1行に整形する。
func renderState(change client.StateChange) string {
	line := "-- " + change.State.String()
	if change.Delay > 0 {
		line += fmt.Sprintf(" (attempt %d, retry in %s)", change.Attempt, change.Delay.Round(time.Millisecond))
	}
	if change.Err != nil {
		line += ": " + change.Err.Error()
	}
	if change.Stale {
		return staleStyle.Render(line + " [stale]")
	}
	return stateStyle.Render(line)
}
