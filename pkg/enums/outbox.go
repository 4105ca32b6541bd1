package enums

import "slices"

// OutboxAggregateType identifies the entity an outbox event belongs to.
type OutboxAggregateType string

const AggregateOrder OutboxAggregateType = "order"

var validAggregateTypes = []OutboxAggregateType{AggregateOrder}

func (a OutboxAggregateType) IsValid() bool { return slices.Contains(validAggregateTypes, a) }

// OutboxEventType names a domain event written to the outbox. The value is
// also sent as the event_type message attribute.
type OutboxEventType string

const (
	EventOrderPlaced        OutboxEventType = "order_placed"
	EventOrderStatusChanged OutboxEventType = "order_status_changed"
)

var validEventTypes = []OutboxEventType{EventOrderPlaced, EventOrderStatusChanged}

func (e OutboxEventType) IsValid() bool { return slices.Contains(validEventTypes, e) }

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return parse("event type", value, validEventTypes)
}
