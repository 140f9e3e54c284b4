package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     string
		level   string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "本番環境はinfoレベル", env: "production", level: "info", want: zapcore.InfoLevel},
		{name: "開発環境はdebugレベルも出力できる", env: "development", level: "debug", want: zapcore.DebugLevel},
		{name: "大文字のレベルも受け付ける", env: "", level: "WARN", want: zapcore.WarnLevel},
		{name: "不正なレベルはエラー", env: "production", level: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tt.env, tt.level)
			if tt.wantErr {
				if err == nil {
					t.Fatal("エラーが返されませんでした")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			lvl := tt.want
			if !logger.Core().Enabled(lvl) {
				t.Errorf("%vレベルが有効になっていません", lvl)
			}
			if lvl > zapcore.DebugLevel && logger.Core().Enabled(lvl-1) {
				t.Errorf("%vレベルより下が有効になっています", lvl)
			}
		})
	}
}
