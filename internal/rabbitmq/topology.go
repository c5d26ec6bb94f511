package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterPrefix names the parallel dead-letter exchange/queue pair.
const DeadLetterPrefix = "dead-letter-"

// QueueTopology describes the exchange, queue and binding for one logical
// queue. When DeadLetter is set a parallel dead-letter exchange/queue pair
// is declared with the same routing key, and the main queue routes
// broker-rejected messages there.
type QueueTopology struct {
	Exchange     string
	ExchangeType string // defaults to "direct"
	Queue        string
	RoutingKey   string
	Durable      bool
	DeadLetter   bool
	Arguments    amqp.Table
}

// DeadLetterExchange returns the dead-letter exchange name for t.
func (t QueueTopology) DeadLetterExchange() string {
	return DeadLetterPrefix + t.Exchange
}

// DeadLetterQueue returns the dead-letter queue name for t.
func (t QueueTopology) DeadLetterQueue() string {
	return DeadLetterPrefix + t.Queue
}

// DeclareExchange declares an exchange idempotently. The default ("")
// exchange always exists and is skipped.
func DeclareExchange(ch Channel, name, kind string) error {
	if name == "" {
		return nil
	}
	if kind == "" {
		kind = "direct"
	}
	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueueTopology declares the exchange, queue and binding for t,
// including the parallel dead-letter pair when configured.
func DeclareQueueTopology(ch Channel, t QueueTopology) error {
	if err := DeclareExchange(ch, t.Exchange, t.ExchangeType); err != nil {
		return err
	}

	args := amqp.Table{}
	for k, v := range t.Arguments {
		args[k] = v
	}

	if t.DeadLetter {
		if err := declareDeadLetterPair(ch, t); err != nil {
			return err
		}
		args["x-dead-letter-exchange"] = t.DeadLetterExchange()
		args["x-dead-letter-routing-key"] = t.RoutingKey
	}

	if _, err := ch.QueueDeclare(t.Queue, t.Durable, false, false, false, args); err != nil {
		return &TopologyError{Component: "queue", Name: t.Queue, Op: "declare", Err: err}
	}

	if t.Exchange != "" {
		if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: t.Queue, Op: "bind", Err: err}
		}
	}
	return nil
}

func declareDeadLetterPair(ch Channel, t QueueTopology) error {
	dlx := t.DeadLetterExchange()
	dlq := t.DeadLetterQueue()

	if err := ch.ExchangeDeclare(dlx, "direct", true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: dlx, Op: "declare", Err: err}
	}
	if _, err := ch.QueueDeclare(dlq, t.Durable, false, false, false, nil); err != nil {
		return &TopologyError{Component: "queue", Name: dlq, Op: "declare", Err: err}
	}
	if err := ch.QueueBind(dlq, t.RoutingKey, dlx, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: dlq, Op: "bind", Err: err}
	}
	return nil
}
