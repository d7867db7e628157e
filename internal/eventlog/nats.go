package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSLog is the Log implementation backed by NATS JetStream: one stream
// over events.*.*.>, publish-with-headers appends, and ephemeral
// subject-filtered consumers for fan-out and replay.
type NATSLog struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	logger     *slog.Logger
}

// Dial connects to NATS and ensures the event stream exists with the given
// retention policy.
func Dial(url, streamName string, retention RetentionLimits, logger *slog.Logger) (*NATSLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("fluxgate-realtime"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: connect to nats: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventlog: create jetstream context: %w", err)
	}

	l := &NATSLog{conn: conn, js: js, streamName: streamName, logger: logger}
	if err := l.ensureStream(retention); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *NATSLog) ensureStream(retention RetentionLimits) error {
	cfg := &nats.StreamConfig{
		Name:      l.streamName,
		Subjects:  []string{"events.*.*.>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
		MaxAge:    retention.MaxAge,
		MaxBytes:  retention.MaxBytes,
		MaxMsgs:   retention.MaxMessages,
	}
	if _, err := l.js.AddStream(cfg); err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			l.logger.Info("eventlog: stream already exists", "stream", l.streamName)
			return nil
		}
		return fmt.Errorf("eventlog: create stream %s: %w", l.streamName, err)
	}
	l.logger.Info("eventlog: stream initialized", "stream", l.streamName)
	return nil
}

// Append implements Log.
func (l *NATSLog) Append(ctx context.Context, subject string, headers map[string]string, payload []byte) (Message, error) {
	hdr := nats.Header{}
	for k, v := range headers {
		hdr.Set(k, v)
	}
	msg := &nats.Msg{Subject: subject, Header: hdr, Data: payload}

	ack, err := l.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return Message{}, fmt.Errorf("eventlog: append to %s: %w", subject, err)
	}

	return Message{
		Subject:     subject,
		Headers:     headers,
		Payload:     payload,
		Sequence:    ack.Sequence,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Consume implements Log. It runs an ephemeral push consumer with manual
// ack; handler is invoked for every matching message until the returned
// cancel func is called or ctx is done.
func (l *NATSLog) Consume(ctx context.Context, subjectFilter string, start StartPolicy, handler func(Message)) (func(), error) {
	opts := []nats.SubOpt{nats.ManualAck()}
	opts = append(opts, startOpts(start)...)

	sub, err := l.js.Subscribe(subjectFilter, func(m *nats.Msg) {
		meta, err := m.Metadata()
		var seq uint64
		if err == nil {
			seq = meta.Sequence.Stream
		}
		handler(toMessage(m, seq))
		_ = m.Ack()
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: subscribe %s: %w", subjectFilter, err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = sub.Unsubscribe()
	}()

	cancel := func() {
		close(done)
	}
	return cancel, nil
}

// Replay implements Log: a temporary pull-style subscription fetching up
// to limit messages, then tearing itself down.
func (l *NATSLog) Replay(ctx context.Context, subjectFilter string, start StartPolicy, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	consumerName := fmt.Sprintf("replay_%d", time.Now().UnixNano())

	opts := append([]nats.SubOpt{nats.Durable(consumerName), nats.ManualAck()}, startOpts(start)...)
	sub, err := l.js.SubscribeSync(subjectFilter, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: replay subscribe %s: %w", subjectFilter, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
		_ = l.js.DeleteConsumer(l.streamName, consumerName)
	}()

	out := make([]Message, 0, limit)
	for i := 0; i < limit; i++ {
		m, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				break
			}
			return out, fmt.Errorf("eventlog: replay fetch: %w", err)
		}
		meta, merr := m.Metadata()
		var seq uint64
		if merr == nil {
			seq = meta.Sequence.Stream
		}
		out = append(out, toMessage(m, seq))
		_ = m.Ack()
	}
	return out, nil
}

// StreamInfo implements Log.
func (l *NATSLog) StreamInfo(ctx context.Context) (StreamStats, error) {
	info, err := l.js.StreamInfo(l.streamName, nats.Context(ctx))
	if err != nil {
		return StreamStats{}, fmt.Errorf("eventlog: stream info: %w", err)
	}
	return StreamStats{
		Name:          info.Config.Name,
		Messages:      info.State.Msgs,
		Bytes:         info.State.Bytes,
		FirstSequence: info.State.FirstSeq,
		LastSequence:  info.State.LastSeq,
	}, nil
}

// Close implements Log.
func (l *NATSLog) Close() error {
	l.conn.Close()
	return nil
}

func startOpts(start StartPolicy) []nats.SubOpt {
	switch start.Kind {
	case StartNew:
		return []nats.SubOpt{nats.DeliverNew()}
	case StartBySequence:
		return []nats.SubOpt{nats.StartSequence(start.Sequence)}
	case StartByTime:
		t := start.Time
		return []nats.SubOpt{nats.StartTime(t)}
	default:
		return []nats.SubOpt{nats.DeliverAll()}
	}
}

func toMessage(m *nats.Msg, seq uint64) Message {
	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}
	publishedAt := time.Now().UTC()
	if ts := m.Header.Get("published_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			publishedAt = parsed
		}
	}
	return Message{
		Subject:     m.Subject,
		Headers:     headers,
		Payload:     m.Data,
		Sequence:    seq,
		PublishedAt: publishedAt,
	}
}
