package bus

import (
	"time"

	"github.com/samber/lo"
)

// MessageEnvelope is the application-facing view of one received message.
// The type header is stripped from Properties.
type MessageEnvelope struct {
	ID            string
	Subscription  string
	DeliveryCount int
	Properties    map[string]string
	ReceivedAt    time.Time
	body          []byte
}

func newEnvelope(subscription string, msg BrokeredMessage) *MessageEnvelope {
	props := msg.Properties()
	if len(props) > 0 {
		props = lo.OmitByKeys(props, []string{TypeHeaderName})
	} else {
		props = map[string]string{}
	}
	return &MessageEnvelope{
		ID:            msg.ID(),
		Subscription:  subscription,
		DeliveryCount: msg.DeliveryCount(),
		Properties:    props,
		ReceivedAt:    time.Now(),
		body:          msg.Body(),
	}
}

// Body returns a copy of the raw message body.
func (e *MessageEnvelope) Body() []byte { return append([]byte(nil), e.body...) }

func (e *MessageEnvelope) Property(key string) (string, bool) {
	v, ok := e.Properties[key]
	return v, ok
}

// ReceivedMessage is the typed message handed to Handler[T].
type ReceivedMessage[T any] struct {
	*MessageEnvelope
	Message T
}

// MessageMetadata is the hook-facing summary of a message.
type MessageMetadata struct {
	ID            string
	DeliveryCount int
	MessageType   string
	Properties    map[string]string
}

func metadataOf(endpoint EndpointDescriptor, msg BrokeredMessage) MessageMetadata {
	return MessageMetadata{
		ID:            msg.ID(),
		DeliveryCount: msg.DeliveryCount(),
		MessageType:   endpoint.MessageType,
		Properties:    lo.OmitByKeys(msg.Properties(), []string{TypeHeaderName}),
	}
}
