package razorpay

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventOrderPaid         = "order.paid"
)

// Event is the part of a webhook delivery that settles an order.
type Event struct {
	Name             string
	PaymentID        string
	OrderID          string
	Status           string
	ErrorDescription string
}

// Terminal reports whether the event settles the order one way or the other.
func (e Event) Terminal() bool {
	switch e.Name {
	case EventPaymentCaptured, EventPaymentFailed, EventOrderPaid:
		return true
	}
	return false
}

// Succeeded is true for events that mean the money was taken.
func (e Event) Succeeded() bool {
	return e.Name == EventPaymentCaptured || e.Name == EventOrderPaid
}

// Authorized means a payment exists for the order but is not captured yet.
func (e Event) Authorized() bool {
	return e.Name == EventPaymentAuthorized
}

// ParseWebhookEvent decodes {"event": ..., "payload": {"payment": {"entity": {...}}}}.
// Unknown fields are skipped.
func ParseWebhookEvent(body []byte) (*Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty webhook body")
	}

	var ev Event
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "event":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "event")
			}
			ev.Name = v
			return nil
		case "payload":
			return errors.Wrap(decodePayload(d, &ev), "payload")
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode webhook")
	}

	if ev.Name == "" {
		return nil, errors.New("webhook event name missing")
	}
	if (ev.Terminal() || ev.Authorized()) && ev.OrderID == "" {
		return nil, errors.Errorf("%s: order id missing", ev.Name)
	}

	return &ev, nil
}

func decodePayload(d *jx.Decoder, ev *Event) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "payment" {
			return d.Skip()
		}
		return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			if string(key) != "entity" {
				return d.Skip()
			}
			return decodePaymentEntity(d, ev)
		})
	})
}

func decodePaymentEntity(d *jx.Decoder, ev *Event) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var target *string
		switch string(key) {
		case "id":
			target = &ev.PaymentID
		case "order_id":
			target = &ev.OrderID
		case "status":
			target = &ev.Status
		case "error_description":
			target = &ev.ErrorDescription
		default:
			return d.Skip()
		}

		// error_description is null on successful payments.
		if d.Next() == jx.Null {
			return d.Null()
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		*target = v
		return nil
	})
}
