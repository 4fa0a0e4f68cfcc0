package geo

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// GeoIPProvider derives a coarse position from the agent's public IP using a
// MaxMind GeoLite2-City database. Accuracy is city level, enough to pre-fill
// a pickup location but not for live tracking.
type GeoIPProvider struct {
	db       *geoip2.Reader
	ip       net.IP
	interval time.Duration
}

// NewGeoIPProvider opens the database at dbPath and resolves ip.
func NewGeoIPProvider(dbPath, ip string, interval time.Duration) (*GeoIPProvider, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: no GeoIP database configured", ErrUnavailable)
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("geo: invalid public IP %q", ip)
	}
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geo: open geoip database: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &GeoIPProvider{db: db, ip: parsed, interval: interval}, nil
}

// Close releases the database.
func (p *GeoIPProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *GeoIPProvider) Permission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (p *GeoIPProvider) CurrentPosition(ctx context.Context, _ PositionOptions) (domain.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return domain.LocationSample{}, err
	}
	record, err := p.db.City(p.ip)
	if err != nil {
		return domain.LocationSample{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	loc := record.Location
	if loc.Latitude == 0 && loc.Longitude == 0 {
		return domain.LocationSample{}, ErrUnavailable
	}
	s := domain.LocationSample{Lat: loc.Latitude, Lng: loc.Longitude, Timestamp: time.Now()}
	if loc.AccuracyRadius > 0 {
		meters := float64(loc.AccuracyRadius) * 1000
		s.Accuracy = &meters
	}
	return s, nil
}

func (p *GeoIPProvider) Watch(ctx context.Context, opts PositionOptions) (Watch, error) {
	return newTickerWatch(ctx, p.interval, func(ctx context.Context) (domain.LocationSample, error) {
		return p.CurrentPosition(ctx, opts)
	}), nil
}
