package bus

import (
	"context"
	"fmt"
	"runtime/debug"
)

// dispatcher routes one received message to the endpoint's handler.
type dispatcher struct {
	endpoint   EndpointDescriptor
	resolver   HandlerResolver
	serializer Serializer
	// byContentType picks the body serializer from the Content-Type property.
	byContentType SerializerResolver
	// shared is the cached instance for reusable endpoints.
	shared any
}

// newDispatcher validates the endpoint binding and resolves the handler once
// so misconfiguration surfaces when the loop starts, not on the first message.
func newDispatcher(ctx context.Context, endpoint EndpointDescriptor, resolver HandlerResolver, serializer Serializer) (*dispatcher, error) {
	if err := endpoint.validate(); err != nil {
		return nil, err
	}
	if endpoint.binding == nil {
		return nil, fmt.Errorf("bus: endpoint %s has no message binding; build it with NewEndpoint", endpoint.SubscriptionName)
	}
	if resolver == nil {
		return nil, fmt.Errorf("bus: handler resolver required")
	}
	if serializer == nil {
		return nil, fmt.Errorf("bus: serializer required")
	}
	handler, err := resolver.Resolve(ctx, endpoint.HandlerType)
	if err != nil {
		return nil, fmt.Errorf("bus: resolve %s: %w", endpoint.HandlerType, err)
	}
	if err := endpoint.binding.check(handler); err != nil {
		return nil, err
	}
	d := &dispatcher{endpoint: endpoint, resolver: resolver, serializer: serializer}
	if endpoint.IsReusable {
		d.shared = handler
	}
	return d, nil
}

func (d *dispatcher) dispatch(ctx context.Context, msg BrokeredMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrHandler.Wrap(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	env := newEnvelope(d.endpoint.SubscriptionName, msg)
	payload, err := d.endpoint.binding.decode(d.serializerFor(msg.Properties()).Create(), env.body)
	if err != nil {
		return err
	}
	handler := d.shared
	if handler == nil {
		handler, err = d.resolver.Resolve(ctx, d.endpoint.HandlerType)
		if err != nil {
			return fmt.Errorf("bus: resolve %s: %w", d.endpoint.HandlerType, err)
		}
	}
	return d.endpoint.binding.invoke(ctx, handler, env, payload)
}

func (d *dispatcher) serializerFor(props map[string]string) Serializer {
	ct := props[ContentTypeProperty]
	if ct == "" || d.byContentType == nil || ct == d.serializer.ContentType() {
		return d.serializer
	}
	if s := d.byContentType(ct); s != nil {
		return s
	}
	return d.serializer
}
