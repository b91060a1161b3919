package streamclient

import (
	"go.uber.org/zap"
)

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts a zap sugared logger to Logger.
func NewZapLogger(s *zap.SugaredLogger) Logger {
	return &zapLogger{s: s}
}

func (l *zapLogger) WithField(key string, value any) Logger {
	return &zapLogger{s: l.s.With(key, value)}
}

func (l *zapLogger) Debug(args ...any)                 { l.s.Debug(args...) }
func (l *zapLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *zapLogger) Debugln(args ...any)               { l.s.Debugln(args...) }
func (l *zapLogger) Info(args ...any)                  { l.s.Info(args...) }
func (l *zapLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *zapLogger) Infoln(args ...any)                { l.s.Infoln(args...) }
func (l *zapLogger) Warn(args ...any)                  { l.s.Warn(args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *zapLogger) Warnln(args ...any)                { l.s.Warnln(args...) }
func (l *zapLogger) Error(args ...any)                 { l.s.Error(args...) }
func (l *zapLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
func (l *zapLogger) Errorln(args ...any)               { l.s.Errorln(args...) }
