package notify

import (
	"fmt"
	"log/slog"
)

// slogAdapter bridges slog.Logger to the message bus logger interface
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Infof(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Warnf(format string, v ...any) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l *slogAdapter) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
