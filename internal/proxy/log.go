package proxy

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var log = logrus.New()

// SetLogger sets a new default logger
func SetLogger(l *logrus.Logger) {
	log = l
}

// Logger returns the logger used by the package.
func Logger() *logrus.Logger {
	return log
}

// Warnings about a guest misbehaving are throttled so that a single channel
// cannot flood the logs.
const (
	warnInterval = time.Second
	warnBurst    = 10
)

func newWarnLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(warnInterval), warnBurst)
}

func (ch *Channel) logger() *logrus.Entry {
	return log.WithField("channel", ch.id)
}

func (ch *Channel) warnf(handle uint64, op string, format string, args ...any) {
	if !ch.limiter.Allow() {
		ch.dropped.Add(1)
		return
	}
	entry := ch.logger()
	if handle != 0 {
		entry = entry.WithField("handle", handle)
	}
	if op != "" {
		entry = entry.WithField("op", op)
	}
	if dropped := ch.dropped.Swap(0); dropped != 0 {
		entry = entry.WithField("suppressed", dropped)
	}
	entry.Warnf(format, args...)
}
