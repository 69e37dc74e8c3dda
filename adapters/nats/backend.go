package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/driftworks/evlog-go/core/es"
)

const defaultSubjectPrefix = "evlog.events"

type BackendConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	StreamName    string       // StreamName of the JetStream stream, defaults to EVLOG
	SubjectPrefix string       // SubjectPrefix events are published under
}

// Backend persists events in a JetStream stream, one subject per
// aggregate. The JetStream stream sequence doubles as the store-wide Seq,
// so sequence numbers survive restarts and are assigned by the server.
type Backend struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewBackend(cfg BackendConfig) (*Backend, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "EVLOG"
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("backend", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(js, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("ensured", slog.Any("stream", streamInfo))

	return &Backend{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (b *Backend) Close() error {
	b.js.CleanupPublisher()
	b.closeNc()
	b.log.Debug("closed backend")
	return nil
}

// Append publishes the event to its aggregate's subject and adopts the
// stream sequence from the publish ack as the event's Seq. The event ID
// rides along as the JetStream message ID so the server's duplicate
// window rejects double publishes too.
func (b *Backend) Append(ctx context.Context, ev es.Event) (es.Event, error) {
	subject := b.subjectForAggregate(ev.AggregateID)
	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-event-type", ev.Type)
	msg.Header.Set("x-aggregate-id", ev.AggregateID)

	data, err := json.Marshal(ev)
	if err != nil {
		return es.Event{}, err
	}
	msg.Data = data

	ackF, err := b.js.PublishMsgAsync(
		msg,
		jetstream.WithMsgID(ev.ID),
	)
	if err != nil {
		return es.Event{}, fmt.Errorf("failed to append to subject %s %s: %w", subject, ev.Type, err)
	}

	select {
	case <-ctx.Done():
		return es.Event{}, ctx.Err()
	case err := <-ackF.Err():
		return es.Event{}, fmt.Errorf("failed to append to subject %s %s: %w", subject, ev.Type, err)
	case ack := <-ackF.Ok():
		ev.Seq = ack.Sequence
		return ev, nil
	}
}

// Load returns the aggregate's events with version >= from.
func (b *Backend) Load(ctx context.Context, aggregateID string, from es.Version) ([]es.Event, error) {
	if aggregateID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	last, err := b.lastEventForAggregate(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}

	cc, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{b.subjectForAggregate(aggregateID)},
	})
	if err != nil {
		return nil, err
	}

	events, err := b.consumeEvents(ctx, cc, last.Seq)
	if err != nil {
		return nil, err
	}

	if from > 1 {
		events = trimBefore(events, from)
	}
	return events, nil
}

// Version returns the aggregate's current stream version from the last
// message on its subject.
func (b *Backend) Version(ctx context.Context, aggregateID string) (es.Version, error) {
	last, err := b.lastEventForAggregate(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.Version, nil
}

// All returns every event with Seq >= fromSeq across all aggregates.
func (b *Backend) All(ctx context.Context, fromSeq uint64) ([]es.Event, error) {
	info, err := b.stream.Info(ctx)
	if err != nil {
		return nil, err
	}
	if info.State.Msgs == 0 || info.State.LastSeq < fromSeq {
		return nil, nil
	}

	cfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{b.subjectPrefix + ".>"},
	}
	if fromSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = fromSeq
	}
	cc, err := b.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return b.consumeEvents(ctx, cc, info.State.LastSeq)
}

func (b *Backend) consumeEvents(
	ctx context.Context,
	cc jetstream.Consumer,
	endSeq uint64,
) (events []es.Event, err error) {

outer:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true

		for msg := range mb.Messages() {
			empty = false
			ev, err := b.decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to decode message: %w", err)
			}

			events = append(events, *ev)

			if endSeq > 0 && ev.Seq >= endSeq {
				break outer
			}
		}

		if empty {
			break
		}
	}

	return events, nil
}

func (b *Backend) decodeMsg(msg jetstream.Msg) (*es.Event, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}

	ev := &es.Event{}
	if err := json.Unmarshal(msg.Data(), ev); err != nil {
		return nil, err
	}
	ev.Seq = md.Sequence.Stream
	return ev, nil
}

func (b *Backend) lastEventForAggregate(ctx context.Context, aggregateID string) (*es.Event, error) {
	subject := b.subjectForAggregate(aggregateID)
	lm, err := b.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}

	ev := &es.Event{}
	if err := json.Unmarshal(lm.Data, ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last message for subject %q: %w", subject, err)
	}
	ev.Seq = lm.Sequence
	return ev, nil
}

func ensureStream(js jetstream.JetStream, cfg jetstream.StreamConfig) (jetstream.Stream, *jetstream.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err := s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

func trimBefore(events []es.Event, from es.Version) []es.Event {
	for i, ev := range events {
		if ev.Version >= from {
			return events[i:]
		}
	}
	return nil
}

func (b *Backend) subjectForAggregate(aggregateID string) string {
	return b.subjectPrefix + "." + aggregateID
}

var _ es.Backend = (*Backend)(nil)
