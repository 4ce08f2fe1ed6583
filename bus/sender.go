package bus

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SendResult struct {
	MessageID string
	TypeName  string
	Elapsed   time.Duration
}

// Sender publishes typed payloads to the topic the broker is bound to.
type Sender struct {
	client SenderClient
	opts   senderOptions
	logger *zap.Logger
}

func NewSender(ctx context.Context, broker Broker, opts ...SenderOption) (*Sender, error) {
	if broker == nil {
		return nil, stderrors.New("bus: broker required")
	}
	base := defaultSenderOptions()
	for _, opt := range opts {
		opt(&base)
	}
	client, err := executeValue(ctx, base.retryPolicy, broker.NewSender)
	if err != nil {
		return nil, fmt.Errorf("bus: open sender: %w", err)
	}
	return &Sender{client: client, opts: base, logger: base.logger}, nil
}

// Send serializes payload and publishes it with the type header set to the
// payload's normalized type name. Every attempt builds a new message. The
// whole call, retries included, is bounded by the send timeout.
func (s *Sender) Send(ctx context.Context, payload any, metadata map[string]string) (SendResult, error) {
	typeName := s.opts.messageType
	if typeName == "" {
		typeName = TypeNameOf(payload)
	}
	typeHeader := NormalizeTypeName(typeName)
	if typeHeader == "" {
		return SendResult{}, stderrors.New("bus: cannot send a nil payload")
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.sendTimeout)
	defer cancel()

	var messageID string
	err := s.opts.retryPolicy.Execute(sendCtx, func(ctx context.Context) error {
		msg, err := s.build(payload, typeHeader, metadata)
		if err != nil {
			return err
		}
		messageID = msg.ID
		return s.client.Send(ctx, msg)
	})
	if err != nil && stderrors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = ErrSendTimeout.Wrap(err)
	}
	if err != nil {
		s.logger.Error("send failed", zap.String("message_type", typeHeader), zap.Error(err))
		if s.opts.hooks.OnSendFail != nil {
			s.opts.hooks.OnSendFail(ctx, typeHeader, err)
		}
		return SendResult{}, err
	}

	res := SendResult{MessageID: messageID, TypeName: typeHeader, Elapsed: time.Since(start)}
	s.logger.Debug("message sent", zap.String("message_type", typeHeader), zap.String("message_id", messageID))
	if s.opts.hooks.OnSend != nil {
		s.opts.hooks.OnSend(ctx, typeHeader, res)
	}
	return res, nil
}

func (s *Sender) build(payload any, typeHeader string, metadata map[string]string) (*OutgoingMessage, error) {
	serializer := s.opts.serializer.Create()
	r, err := serializer.Serialize(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: serialize %s: %w", typeHeader, err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bus: serialize %s: %w", typeHeader, err)
	}
	props := make(map[string]string, len(metadata)+2)
	maps.Copy(props, metadata)
	props[TypeHeaderName] = typeHeader
	props[ContentTypeProperty] = serializer.ContentType()
	return &OutgoingMessage{ID: uuid.NewString(), Body: body, Properties: props}, nil
}

func (s *Sender) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
