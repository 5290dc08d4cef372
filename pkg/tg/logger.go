// Copyright 2024-2026 Aiku AI

package tg

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// botLogger routes Bot API client logs into zerolog with the token masked.
type botLogger struct {
	log   zerolog.Logger
	token string
}

func newBotLogger(log zerolog.Logger, token string) *botLogger {
	return &botLogger{log: log.With().Str("subcomponent", "telego").Logger(), token: token}
}

func (l *botLogger) mask(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if l.token != "" {
		msg = strings.ReplaceAll(msg, l.token, "BOT_TOKEN")
	}
	return msg
}

func (l *botLogger) Debugf(format string, args ...any) {
	if l.log.GetLevel() > zerolog.TraceLevel {
		return
	}
	l.log.Trace().Msg(l.mask(format, args...))
}

func (l *botLogger) Errorf(format string, args ...any) {
	l.log.Error().Msg(l.mask(format, args...))
}
