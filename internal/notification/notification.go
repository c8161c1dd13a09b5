package notification

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// KindOTP carries a sign-in code.
	KindOTP = "otp"
	// KindWelcome greets a newly verified member.
	KindWelcome = "welcome"
	// KindNewMember tells the operators that someone joined.
	KindNewMember = "new_member"
)

// DispatchTimeout bounds background delivery started by Dispatch.
const DispatchTimeout = 10 * time.Second

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Subject     string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger. OTP bodies are not
// logged outside of debug level.
func (n *LoggerNotifier) Send(ctx context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	attrs := []any{"kind", message.Kind, "destination", message.Destination, "subject", message.Subject}
	if message.Kind == KindOTP {
		n.logger.Info("notification", attrs...)
		n.logger.DebugContext(ctx, "notification body", "kind", message.Kind, "body", message.Body)
		return nil
	}
	n.logger.Info("notification", append(attrs, "body", message.Body)...)
	return nil
}

// Dispatch sends messages concurrently in the background on a context that
// survives the caller's cancellation. Failures are logged. The returned
// channel closes once every send has finished.
func Dispatch(ctx context.Context, n Notifier, logger *slog.Logger, messages ...Message) <-chan struct{} {
	done := make(chan struct{})
	if n == nil || len(messages) == 0 {
		close(done)
		return done
	}
	if logger == nil {
		logger = slog.Default()
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), DispatchTimeout)
	go func() {
		defer close(done)
		defer cancel()

		var g errgroup.Group
		for _, msg := range messages {
			msg := msg
			g.Go(func() error {
				if err := n.Send(bg, msg); err != nil {
					logger.Warn("notification delivery failed",
						slog.String("kind", msg.Kind),
						slog.String("destination", msg.Destination),
						slog.Any("error", err),
					)
					return err
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return done
}
