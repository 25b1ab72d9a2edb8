package contracts

import (
	"fmt"
	"strings"
)

// Destination identifies a queue or topic on the broker
type Destination interface {
	// ID returns a stable identity such as "queue:<name>"
	ID() string
	// Name returns the plain node name
	Name() string
	// Address returns the broker address including creation and link options
	Address() string
}

// Queue is a point-to-point destination
type Queue struct {
	name    string
	durable bool
}

// NewQueue creates a queue destination
func NewQueue(name string, durable bool) *Queue {
	return &Queue{name: name, durable: durable}
}

// Queues builds one queue destination per name
func Queues(names ...string) []Destination {
	out := make([]Destination, 0, len(names))
	for _, n := range names {
		out = append(out, NewQueue(n, true))
	}
	return out
}

func (q *Queue) ID() string { return "queue:" + q.name }
func (q *Queue) Name() string { return q.name }
func (q *Queue) Durable() bool { return q.durable }
func (q *Queue) String() string { return q.name }

// Address renders the queue using the broker address grammar
func (q *Queue) Address() string {
	var b strings.Builder
	b.WriteString(q.name)
	b.WriteString(";{create:always")
	fmt.Fprintf(&b, ",node:{type:queue,durable:%s}", pyBool(q.durable))
	b.WriteString(",link:{durable:True,x-subscribe:{exclusive:True}}")
	b.WriteString("}")
	return b.String()
}

// Topic is a publish/subscribe destination. Subject narrows delivery
// and Name identifies the subscription link.
type Topic struct {
	topic   string
	subject string
	name    string
}

// NewTopic creates a topic destination
func NewTopic(topic, subject, name string) *Topic {
	return &Topic{topic: topic, subject: subject, name: name}
}

func (t *Topic) ID() string { return "topic:" + t.topic + "/" + t.subject }
func (t *Topic) Name() string { return t.topic }
func (t *Topic) Subject() string { return t.subject }
func (t *Topic) Link() string { return t.name }
func (t *Topic) String() string { return t.topic }

// Address renders the topic using the broker address grammar
func (t *Topic) Address() string {
	var b strings.Builder
	b.WriteString(t.topic)
	if t.subject != "" {
		b.WriteString("/")
		b.WriteString(t.subject)
	}
	b.WriteString(";{create:always,node:{type:topic,durable:True}")
	b.WriteString(",link:{")
	if t.name != "" {
		fmt.Fprintf(&b, "name:%s,", t.name)
	}
	b.WriteString("durable:True,x-subscribe:{exclusive:True}}")
	b.WriteString("}")
	return b.String()
}

// AddressInfo is the parsed form of a broker address
type AddressInfo struct {
	Name     string
	Subject  string
	NodeType string
	Durable  bool
}

// ParseAddress parses an address produced by Queue.Address or Topic.Address.
// A bare name (no options) is accepted and treated as a durable queue.
func ParseAddress(address string) (AddressInfo, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return AddressInfo{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	node, options, hasOptions := strings.Cut(address, ";")
	info := AddressInfo{NodeType: "queue", Durable: true}
	info.Name, info.Subject, _ = strings.Cut(node, "/")
	if info.Name == "" {
		return AddressInfo{}, fmt.Errorf("%w: %q has no name", ErrInvalidAddress, address)
	}
	if !hasOptions {
		return info, nil
	}

	if !strings.HasPrefix(options, "{") || !strings.HasSuffix(options, "}") {
		return AddressInfo{}, fmt.Errorf("%w: %q has malformed options", ErrInvalidAddress, address)
	}
	if _, rest, ok := strings.Cut(options, "node:{"); ok {
		body, _, _ := strings.Cut(rest, "}")
		for _, field := range strings.Split(body, ",") {
			key, value, _ := strings.Cut(field, ":")
			switch key {
			case "type":
				info.NodeType = value
			case "durable":
				info.Durable = value == "True"
			}
		}
	}
	return info, nil
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
