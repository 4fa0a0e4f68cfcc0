package realtime

import (
	"encoding/json"
	"time"

	"github.com/tbourn/helpbudy-patient/internal/domain"
)

// ServiceEvent is the payload of the service lifecycle events. Servers send
// either a bare {serviceId, ...} object or one wrapping the full service.
type ServiceEvent struct {
	ServiceID string                 `json:"serviceId"`
	Status    domain.ServiceStatus   `json:"status,omitempty"`
	Helper    *domain.Helper         `json:"helper,omitempty"`
	Fare      *float64               `json:"fare,omitempty"`
	Service   *domain.ServiceRequest `json:"service,omitempty"`
}

func decodeServiceEvent(data json.RawMessage, fallback domain.ServiceStatus) (ServiceEvent, bool) {
	var ev ServiceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, false
	}
	if s := ev.Service; s != nil {
		if ev.ServiceID == "" {
			ev.ServiceID = s.ID
		}
		if ev.Status == "" {
			ev.Status = s.Status
		}
		if ev.Helper == nil {
			ev.Helper = s.Helper
		}
		if ev.Fare == nil {
			ev.Fare = s.Fare
		}
	}
	if ev.Status == "" {
		ev.Status = fallback
	}
	return ev, ev.ServiceID != ""
}

func (c *Client) onService(event string, status domain.ServiceStatus, fn func(ServiceEvent)) ListenerID {
	return c.On(event, func(data json.RawMessage) {
		ev, ok := decodeServiceEvent(data, status)
		if !ok {
			c.log.Warn().Str("event", event).Msg("dropping malformed service event")
			return
		}
		fn(ev)
	})
}

// OnServiceAccepted registers fn for service:accepted.
func (c *Client) OnServiceAccepted(fn func(ServiceEvent)) ListenerID {
	return c.onService(EventServiceAccepted, domain.StatusAccepted, fn)
}

// OnServiceStarted registers fn for service:started.
func (c *Client) OnServiceStarted(fn func(ServiceEvent)) ListenerID {
	return c.onService(EventServiceStarted, domain.StatusStarted, fn)
}

// OnServiceCompleted registers fn for service:completed.
func (c *Client) OnServiceCompleted(fn func(ServiceEvent)) ListenerID {
	return c.onService(EventServiceCompleted, domain.StatusCompleted, fn)
}

// OnHelperArrived registers fn for helper:arrived.
func (c *Client) OnHelperArrived(fn func(ServiceEvent)) ListenerID {
	return c.onService(EventHelperArrived, domain.StatusArrived, fn)
}

// OnHelperLocation registers fn for helper:location. Samples without valid
// coordinates are dropped.
func (c *Client) OnHelperLocation(fn func(domain.HelperLocation)) ListenerID {
	return c.On(EventHelperLocation, func(data json.RawMessage) {
		var loc domain.HelperLocation
		if err := json.Unmarshal(data, &loc); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed helper location")
			return
		}
		if !(domain.LocationSample{Lat: loc.Lat, Lng: loc.Lng}).Valid() {
			return
		}
		loc.At = time.Now()
		fn(loc)
	})
}
