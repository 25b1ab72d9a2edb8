package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares topology on short-lived channels. A refused
// declaration closes its channel, so no channel is shared with traffic.
type TopologyManager struct {
	conn *Connection
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(conn *Connection) *TopologyManager {
	return &TopologyManager{conn: conn}
}

// Execute runs fn on a fresh channel and closes it afterwards
func (tm *TopologyManager) Execute(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := tm.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return err
			}
		}
		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return err
			}
		}
		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// DeleteExchange deletes an exchange
func (tm *TopologyManager) DeleteExchange(ctx context.Context, name string) error {
	return tm.Execute(ctx, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDelete(name, false, false); err != nil {
			return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// PrivateQueue declares a broker-named exclusive queue on ch and binds it
// to exchange. The queue lives as long as ch.
func PrivateQueue(ch *amqp.Channel, exchange, routingKey string) (string, error) {
	q, err := declareQueue(ch, QueueDeclaration{AutoDelete: true, Exclusive: true})
	if err != nil {
		return "", err
	}
	err = bindQueue(ch, Binding{Queue: q.Name, Exchange: exchange, RoutingKey: routingKey})
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}
