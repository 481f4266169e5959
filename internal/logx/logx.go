package logx

import (
	"context"

	"github.com/proliferate-ai/proliferate-sub003/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
	channelKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithSessionChannel annotates the logger with session and channel identifiers.
func WithSessionChannel(ctx context.Context, sessionID schema.SessionID, channel schema.ChannelName) pslog.Logger {
	log := WithSession(ctx, sessionID)
	if channel != "" {
		if current, ok := ctx.Value(channelKey).(schema.ChannelName); ok && current == channel {
			return log
		}
		log = log.With("channel", channel)
	}
	return log
}

// WithService annotates the logger with a service name when available.
func WithService(log pslog.Logger, name schema.ServiceName) pslog.Logger {
	if name != "" {
		log = log.With("service", name)
	}
	return log
}

// WithAction annotates the logger with a git action tag and request id.
func WithAction(log pslog.Logger, action schema.GitAction, requestID string) pslog.Logger {
	if action != "" {
		log = log.With("action", action)
	}
	if requestID != "" {
		log = log.With("request_id", requestID)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithChannel stores the channel marker on the context for log de-duplication.
func ContextWithChannel(ctx context.Context, channel schema.ChannelName) context.Context {
	if ctx == nil || channel == "" {
		return ctx
	}
	return context.WithValue(ctx, channelKey, channel)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}
