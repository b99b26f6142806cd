package publisher

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type NATSPublisher struct {
	nc          *nats.Conn
	conn        publishConn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	log         logrus.FieldLogger
}

type publishConn interface {
	Publish(subj string, data []byte) error
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, log logrus.FieldLogger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("route-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	p := newPublisher(nc, prefix, logSubjects, m, log)
	p.nc = nc
	return p, nil
}

func newPublisher(conn publishConn, prefix string, logSubjects bool, m PublisherMetrics, log logrus.FieldLogger) *NATSPublisher {
	return &NATSPublisher{
		conn:        conn,
		prefix:      subjectToken(prefix),
		logSubjects: logSubjects,
		metrics:     m,
		log:         log,
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// EventMessage is the body of every mirrored route event.
type EventMessage struct {
	Event       string    `json:"event"`
	RouteID     int64     `json:"route_id"`
	Data        any       `json:"data"`
	PublishedAt time.Time `json:"published_at"`
}

// Mirror publishes a route event to <prefix>.<route_id>.<event>. Failures are
// logged and counted; the in-process fan-out never depends on NATS.
func (p *NATSPublisher) Mirror(routeID int64, event string, payload any) {
	if err := p.Publish(routeID, event, payload); err != nil {
		p.log.WithFields(logrus.Fields{
			"route_id": routeID,
			"event":    event,
		}).WithError(err).Warn("nats publish failed")
	}
}

func (p *NATSPublisher) Publish(routeID int64, event string, payload any) error {
	subject := p.Subject(routeID, event)
	b, err := json.Marshal(EventMessage{
		Event:       event,
		RouteID:     routeID,
		Data:        payload,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if p.logSubjects {
		p.log.WithField("subject", subject).Debug("nats publish")
	}
	start := time.Now()
	err = p.conn.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func (p *NATSPublisher) Subject(routeID int64, event string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, strconv.FormatInt(routeID, 10), subjectToken(event))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
