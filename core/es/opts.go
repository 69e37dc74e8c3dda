package es

import (
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator produces unique identifiers for events and snapshots.
type IDGenerator func() string

// DefaultIDGenerator returns the default nanoid-based generator.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	valueOption[T any] struct{ v T }

	BackendOption     valueOption[Backend]
	GuardOption       valueOption[Guard]
	SnapshotterOption valueOption[Snapshotter]
	ClockOption       valueOption[Clock]
	IDGeneratorOption valueOption[IDGenerator]
	MetricsOption     valueOption[Metrics]
	LogOption         struct{ l *slog.Logger }
	SnapshottingOption struct {
		interval int
		reduce   Reducer
		initial  any
	}

	storeOptions struct {
		log         *slog.Logger
		backend     Backend
		guard       Guard
		snapshotter Snapshotter
		clock       Clock
		newID       IDGenerator
		metrics     Metrics

		snapshotInterval int
		snapshotReduce   Reducer
		snapshotInitial  any
	}

	// StoreOption configures a Store at construction time.
	StoreOption interface{ applyToStore(*storeOptions) }
)

func WithBackend(b Backend) BackendOption             { return BackendOption{v: b} }
func WithGuard(g Guard) GuardOption                   { return GuardOption{v: g} }
func WithSnapshotter(s Snapshotter) SnapshotterOption { return SnapshotterOption{v: s} }
func WithClock(c Clock) ClockOption                   { return ClockOption{v: c} }
func WithIDGenerator(gen IDGenerator) IDGeneratorOption {
	return IDGeneratorOption{v: gen}
}
func WithMetrics(m Metrics) MetricsOption { return MetricsOption{v: m} }
func WithLog(l *slog.Logger) LogOption    { return LogOption{l: l} }

// WithSnapshotting enables periodic snapshots: every interval versions the
// store rebuilds the aggregate through reduce (starting from initial) and
// saves the result, superseding any prior snapshot.
func WithSnapshotting(interval int, reduce Reducer, initial any) SnapshottingOption {
	return SnapshottingOption{interval: interval, reduce: reduce, initial: initial}
}

func (o BackendOption) applyToStore(s *storeOptions)     { s.backend = o.v }
func (o GuardOption) applyToStore(s *storeOptions)       { s.guard = o.v }
func (o SnapshotterOption) applyToStore(s *storeOptions) { s.snapshotter = o.v }
func (o ClockOption) applyToStore(s *storeOptions)       { s.clock = o.v }
func (o IDGeneratorOption) applyToStore(s *storeOptions) { s.newID = o.v }
func (o MetricsOption) applyToStore(s *storeOptions)     { s.metrics = o.v }
func (o LogOption) applyToStore(s *storeOptions)         { s.log = o.l }
func (o SnapshottingOption) applyToStore(s *storeOptions) {
	s.snapshotInterval = o.interval
	s.snapshotReduce = o.reduce
	s.snapshotInitial = o.initial
}

func newStoreOptions(opts ...StoreOption) storeOptions {
	options := storeOptions{
		log:         slog.Default(),
		backend:     NewMemoryBackend(),
		guard:       NewInMemoryGuard(),
		snapshotter: NewInMemorySnapshotter(),
		clock:       systemClock,
		newID:       DefaultIDGenerator(),
		metrics:     NopMetrics(),
	}
	for _, opt := range opts {
		opt.applyToStore(&options)
	}
	return options
}

// === append options ===

type (
	ExpectedVersionOption valueOption[Version]
	EventIDOption         valueOption[string]
	MetadataOption        valueOption[map[string]string]

	appendOptions struct {
		expected Version
		eventID  string
		metadata map[string]string
	}

	// AppendOption configures a single Append call.
	AppendOption interface{ applyToAppend(*appendOptions) }
)

// WithExpectedVersion makes the append conditional: it fails with a
// ConcurrencyError unless the aggregate's current version equals v.
func WithExpectedVersion(v Version) ExpectedVersionOption {
	return ExpectedVersionOption{v: v}
}

// WithEventID supplies the event's identifier. Appending the same ID twice
// is a no-op the second time.
func WithEventID(id string) EventIDOption { return EventIDOption{v: id} }

// WithMetadata attaches opaque key/value metadata to the event. The map is
// copied at the store boundary.
func WithMetadata(md map[string]string) MetadataOption { return MetadataOption{v: md} }

func (o ExpectedVersionOption) applyToAppend(a *appendOptions) { a.expected = o.v }
func (o EventIDOption) applyToAppend(a *appendOptions)         { a.eventID = o.v }
func (o MetadataOption) applyToAppend(a *appendOptions)        { a.metadata = o.v }

func newAppendOptions(newID IDGenerator, opts ...AppendOption) appendOptions {
	options := appendOptions{expected: AnyVersion}
	for _, opt := range opts {
		opt.applyToAppend(&options)
	}
	if options.eventID == "" {
		options.eventID = newID()
	}
	return options
}

// === load options ===

type (
	FromVersionOption valueOption[Version]

	loadOptions struct {
		fromVersion Version
	}

	// LoadOption configures an Events call.
	LoadOption interface{ applyToLoad(*loadOptions) }
)

// WithFromVersion limits the result to events with version >= v.
func WithFromVersion(v Version) FromVersionOption { return FromVersionOption{v: v} }

func (o FromVersionOption) applyToLoad(l *loadOptions) { l.fromVersion = o.v }

func newLoadOptions(opts ...LoadOption) loadOptions {
	options := loadOptions{fromVersion: 1}
	for _, opt := range opts {
		opt.applyToLoad(&options)
	}
	return options
}
