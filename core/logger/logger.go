// Package logger carries a per-request logrus entry through the
// request context. Every request gets a request_id field; the access
// middleware adds the caller's identity once it is known.
package logger

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextKey struct{}

var loggerKey contextKey

// InitLogger configures the global formatter and level.
func InitLogger(level logrus.Level) {
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	logrus.SetLevel(level)
}

// Default returns a plain logger without request fields.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// AddRequestID installs a middleware that stores a request-scoped
// logger with a fresh request_id in every request context.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// ContextWithLogger returns a context carrying a request logger,
// creating one with a new request_id when the context has none yet.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog, ok := ctx.Value(loggerKey).(*logrus.Entry); ok {
		return ctx, rlog
	}
	rlog := logrus.WithField("request_id", uuid.NewString())
	return context.WithValue(ctx, loggerKey, rlog), rlog
}

// ContextWithLoggerIdentity returns a context whose request logger
// also carries the caller's identity.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField("identity", identity)
	return context.WithValue(ctx, loggerKey, rlog), rlog
}

// FromContext returns the request logger, or the default logger when
// the context carries none.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if rlog, ok := ctx.Value(loggerKey).(*logrus.Entry); ok {
			return rlog
		}
	}
	return Default()
}
