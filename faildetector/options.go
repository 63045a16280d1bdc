package faildetector

import (
	"sync"

	"github.com/go-kit/log"

	"github.com/maxpoletaev/swim/internal/clock"
)

type Option func(*Detector)

// WithConfig replaces the default protocol tunables.
func WithConfig(conf Config) Option {
	return func(d *Detector) {
		d.conf = conf
	}
}

// WithLogger sets the logger. The detector is silent by default.
func WithLogger(logger log.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithClock replaces the system clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) {
		d.clock = c
	}
}

// WithLocker replaces the lock guarding the detector state.
func WithLocker(l sync.Locker) Option {
	return func(d *Detector) {
		d.mut = l
	}
}

// WithRand sets the source of randomness used for target selection.
func WithRand(r Rand) Option {
	return func(d *Detector) {
		d.selector.rnd = r
	}
}

// WithDelegate sets the receiver of membership change events.
func WithDelegate(delegate Delegate) Option {
	return func(d *Detector) {
		d.delegate = delegate
	}
}

// WithIncarnation sets the incarnation number the local node starts with.
func WithIncarnation(incarnation uint64) Option {
	return func(d *Detector) {
		d.incarnation = incarnation
	}
}

// WithIncarnationStore makes the detector load its incarnation number on start
// and save it every time it changes, so that a restarted node never announces
// an incarnation the cluster has already seen.
func WithIncarnationStore(store IncarnationStore) Option {
	return func(d *Detector) {
		d.incStore = store
	}
}
