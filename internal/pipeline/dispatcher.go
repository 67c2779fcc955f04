package pipeline

import (
	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/metrics"
)

// Dispatcher fans accepted pings out to the background stages. A full stage
// drops the message rather than blocking the HTTP handler.
type Dispatcher struct {
	LocationChan chan *domain.PingMessage
	StateChan    chan *domain.PingMessage
	GeofenceChan chan *domain.PingMessage
}

func NewDispatcher(locationSize, stateSize, geofenceSize int) *Dispatcher {
	return &Dispatcher{
		LocationChan: make(chan *domain.PingMessage, locationSize),
		StateChan:    make(chan *domain.PingMessage, stateSize),
		GeofenceChan: make(chan *domain.PingMessage, geofenceSize),
	}
}

func (d *Dispatcher) Dispatch(msg *domain.PingMessage) {
	if msg.HasLocation {
		select {
		case d.LocationChan <- msg:
		default:
			metrics.ChannelDrops.WithLabelValues("location").Inc()
		}
	}

	select {
	case d.StateChan <- msg:
	default:
		metrics.ChannelDrops.WithLabelValues("state").Inc()
	}

	// Geofence checks need a fix, the battery check needs a level.
	if msg.HasLocation || msg.Battery != nil {
		select {
		case d.GeofenceChan <- msg:
		default:
			metrics.ChannelDrops.WithLabelValues("geofence").Inc()
		}
	}
}

// Close ends every stage once its channel drains.
func (d *Dispatcher) Close() {
	close(d.LocationChan)
	close(d.StateChan)
	close(d.GeofenceChan)
}
