// Package comms serves the router over NATS request/reply. A request
// carries the envelope JSON in the message body and the signature in the
// X-Signature message header; the reply is the Result JSON. Unlike the HTTP
// surface there is no status code dimension: the Result body says it all.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"conduit/pkg/envelope"
	"conduit/pkg/metrics"
	"conduit/pkg/sign"
)

// DefaultSubject is the route request subject.
const DefaultSubject = "conduit.route"

// RouteFunc runs the router pipeline for one raw envelope. The HTTP status
// return is ignored here.
type RouteFunc func(ctx context.Context, body []byte, sigHeader string) (envelope.Result, int)

// Connect dials NATS with reconnect behavior suited to a long-running
// router process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("comms: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("comms: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("comms: connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("comms: connect %s: %w", url, err)
	}
	return nc, nil
}

// Serve subscribes to subject and answers each request through route. Each
// message is handled on its own goroutine so a slow dispatch never blocks
// the subscription. timeout caps one request's context; zero means no cap
// beyond the dispatcher's own per-attempt budget. The subscription stays
// active until drained or unsubscribed.
func Serve(nc *nats.Conn, subject string, timeout time.Duration, route RouteFunc, reg *metrics.Registry) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		go answer(msg, subject, timeout, route, reg)
	})
	if err != nil {
		return nil, fmt.Errorf("comms: subscribe %s: %w", subject, err)
	}
	log.Printf("comms: serving route requests on %s", subject)
	return sub, nil
}

func answer(msg *nats.Msg, subject string, timeout time.Duration, route RouteFunc, reg *metrics.Registry) {
	if reg != nil {
		reg.IncNATSRequests()
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, _ := route(ctx, msg.Data, msg.Header.Get(sign.Header))
	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("comms: encode result: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Printf("comms: respond on %s: %v", subject, err)
	}
}
