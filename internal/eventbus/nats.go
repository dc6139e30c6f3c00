package eventbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
)

// NATSBus is the production Bus backed by a NATS connection.
//
// Connection loss does not fail requests: Subscribe reports ErrUnavailable,
// the dropped-subscription counter is incremented, and the caller proceeds
// without fanout until the client library reconnects.
type NATSBus struct {
	nc      *nats.Conn
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// Connect dials the broker. A down broker does not fail startup: the client
// keeps retrying in the background and the bus reports disconnected until the
// link comes up. Only malformed endpoints return an error.
func Connect(endpoint string, log *logger.Logger, m *metrics.Metrics) (*NATSBus, error) {
	componentLog := log.WithComponent("eventbus")

	nc, err := nats.Connect(endpoint,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			componentLog.Warn("broker connection lost", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			componentLog.Info("broker reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to event bus at %s: %w", endpoint, err)
	}

	componentLog.Info("event bus connected", slog.String("url", nc.ConnectedUrl()))
	return &NATSBus{nc: nc, logger: componentLog, metrics: m}, nil
}

func (b *NATSBus) Subscribe(subject, streamID string, handler Handler) (*Handle, error) {
	if !b.Connected() {
		b.metrics.DroppedSubs.Inc()
		return nil, ErrUnavailable
	}

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		b.metrics.DroppedSubs.Inc()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	h := newHandle(subject, streamID, func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", slog.String("subject", subject), slog.Any("error", err))
		}
	})

	b.logger.Debug("subscription created",
		slog.String("subject", subject),
		slog.String("stream_id", streamID),
		slog.String("handle_id", h.ID))
	return h, nil
}

func (b *NATSBus) Unsubscribe(h *Handle) {
	if h == nil || h.release == nil {
		return
	}
	h.release()
	h.release = nil
}

func (b *NATSBus) Publish(subject string, payload []byte) error {
	if !b.Connected() {
		return ErrUnavailable
	}
	return b.nc.Publish(subject, payload)
}

func (b *NATSBus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

func (b *NATSBus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
