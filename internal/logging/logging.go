// Package logging は zap ロガーの生成と、各ライブラリ向けのアダプタを提供します。
package logging

import "go.uber.org/zap"

// New は Gin の実行モードに合わせたロガーを返します。
// release では JSON 形式、それ以外は開発向けのコンソール形式です。
func New(mode string) (*zap.Logger, error) {
	if mode == "release" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// AsynqLogger は zap を asynq.Logger として使うためのアダプタです。
type AsynqLogger struct {
	s *zap.SugaredLogger
}

// NewAsynqLogger は asynq 用のロガーを作成します。
func NewAsynqLogger(logger *zap.Logger) *AsynqLogger {
	return &AsynqLogger{s: logger.Named("asynq").Sugar()}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l *AsynqLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l *AsynqLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l *AsynqLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
