package geo

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// StaticProvider reports a fixed, movable position. It serves kiosks with a
// known location and headless runs without a platform position source.
type StaticProvider struct {
	mu       sync.RWMutex
	sample   domain.LocationSample
	interval time.Duration
}

// NewStaticProvider reports lat/lng with the given accuracy in meters
// (0 for unknown). Watches re-emit the position every interval.
func NewStaticProvider(lat, lng, accuracy float64, interval time.Duration) *StaticProvider {
	s := domain.LocationSample{Lat: lat, Lng: lng}
	if accuracy > 0 {
		s.Accuracy = &accuracy
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StaticProvider{sample: s, interval: interval}
}

// SetPosition moves the reported position.
func (p *StaticProvider) SetPosition(lat, lng float64) {
	p.mu.Lock()
	p.sample.Lat, p.sample.Lng = lat, lng
	p.mu.Unlock()
}

func (p *StaticProvider) current() domain.LocationSample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.sample
	s.Timestamp = time.Now()
	return s
}

func (p *StaticProvider) Permission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (p *StaticProvider) CurrentPosition(ctx context.Context, _ PositionOptions) (domain.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return domain.LocationSample{}, err
	}
	s := p.current()
	if !s.Valid() {
		return domain.LocationSample{}, ErrUnavailable
	}
	return s, nil
}

func (p *StaticProvider) Watch(ctx context.Context, _ PositionOptions) (Watch, error) {
	return newTickerWatch(ctx, p.interval, func(ctx context.Context) (domain.LocationSample, error) {
		return p.CurrentPosition(ctx, PositionOptions{})
	}), nil
}

// tickerWatch polls a one-shot source on an interval. The first fix is taken
// immediately.
type tickerWatch struct {
	samples chan domain.LocationSample
	errs    chan error
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func newTickerWatch(ctx context.Context, every time.Duration, fix func(context.Context) (domain.LocationSample, error)) *tickerWatch {
	ctx, cancel := context.WithCancel(ctx)
	w := &tickerWatch{
		samples: make(chan domain.LocationSample, 1),
		errs:    make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			s, err := fix(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				select {
				case w.errs <- err:
				case <-ctx.Done():
					return
				}
			} else {
				select {
				case w.samples <- s:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return w
}

func (w *tickerWatch) Samples() <-chan domain.LocationSample { return w.samples }
func (w *tickerWatch) Errors() <-chan error                  { return w.errs }

// Clear stops polling and waits for the poller to exit.
func (w *tickerWatch) Clear() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}
