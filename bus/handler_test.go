package bus

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Invoice struct {
	Number string `json:"number"`
}

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	var built int
	require.NoError(t, Register[Order](reg, "orders", func() Handler[Order] {
		built++
		return failing(nil)
	}))
	require.Error(t, Register[Order](reg, "orders", func() Handler[Order] { return failing(nil) }))
	require.Error(t, RegisterInstance[Order](reg, "", failing(nil)))
	require.Error(t, Register[Order](reg, "nil", nil))

	_, err := reg.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	_, err = reg.Resolve(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, built)

	_, err = reg.Resolve(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestDispatcherRejectsMismatchedHandler(t *testing.T) {
	reg := NewHandlerRegistry()
	require.NoError(t, RegisterInstance[Invoice](reg, "orders", HandlerFunc[Invoice](func(context.Context, *ReceivedMessage[Invoice]) error {
		return nil
	})))
	_, err := newDispatcher(context.Background(), NewEndpoint[Order]("orders", "orders"), reg, JSONSerializer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not implement")
}

func TestDispatcherRequiresBinding(t *testing.T) {
	reg := NewHandlerRegistry()
	require.NoError(t, RegisterInstance[Order](reg, "orders", failing(nil)))
	ep := EndpointDescriptor{SubscriptionName: "orders", HandlerType: "orders", MessageType: "Order"}
	_, err := newDispatcher(context.Background(), ep, reg, JSONSerializer{})
	assert.Error(t, err)
}

func TestDispatcherDeserializeFailure(t *testing.T) {
	reg := NewHandlerRegistry()
	require.NoError(t, RegisterInstance[Order](reg, "orders", failing(nil)))
	d, err := newDispatcher(context.Background(), NewEndpoint[Order]("orders", "orders"), reg, JSONSerializer{})
	require.NoError(t, err)

	msg := newStubMessage("m-1", Order{}, 1)
	msg.body = []byte("{not json")
	err = d.dispatch(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deserialize")
}

// pipeSerializer encodes an Order as "id|amount".
type pipeSerializer struct{}

func (pipeSerializer) Create() Serializer  { return pipeSerializer{} }
func (pipeSerializer) ContentType() string { return "text/x-order" }

func (pipeSerializer) Serialize(v any) (io.Reader, error) {
	o := v.(Order)
	return strings.NewReader(o.ID + "|" + strconv.Itoa(o.Amount)), nil
}

func (pipeSerializer) Deserialize(r io.Reader, into any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	id, amount, ok := strings.Cut(string(data), "|")
	if !ok {
		return fmt.Errorf("malformed order %q", data)
	}
	o := into.(*Order)
	o.ID = id
	o.Amount, err = strconv.Atoi(amount)
	return err
}

func TestDispatcherDecodesByContentType(t *testing.T) {
	var got []Order
	reg := NewHandlerRegistry()
	require.NoError(t, RegisterInstance[Order](reg, "orders", HandlerFunc[Order](func(_ context.Context, m *ReceivedMessage[Order]) error {
		got = append(got, m.Message)
		return nil
	})))
	d, err := newDispatcher(context.Background(), NewEndpoint[Order]("orders", "orders"), reg, JSONSerializer{})
	require.NoError(t, err)
	d.byContentType = func(ct string) Serializer {
		if ct == "text/x-order" {
			return pipeSerializer{}
		}
		return nil
	}

	piped := newStubMessage("m-1", Order{}, 1)
	piped.body = []byte("m-1|42")
	piped.props[ContentTypeProperty] = "text/x-order"
	require.NoError(t, d.dispatch(context.Background(), piped))

	unknown := newStubMessage("m-2", Order{ID: "m-2", Amount: 7}, 1)
	unknown.props[ContentTypeProperty] = "application/vnd.unknown"
	require.NoError(t, d.dispatch(context.Background(), unknown))

	plain := newStubMessage("m-3", Order{ID: "m-3", Amount: 9}, 1)
	require.NoError(t, d.dispatch(context.Background(), plain))

	assert.Equal(t, []Order{{ID: "m-1", Amount: 42}, {ID: "m-2", Amount: 7}, {ID: "m-3", Amount: 9}}, got)
}

func TestDispatcherIgnoresContentTypeWithoutResolver(t *testing.T) {
	reg := NewHandlerRegistry()
	require.NoError(t, RegisterInstance[Order](reg, "orders", failing(nil)))
	d, err := newDispatcher(context.Background(), NewEndpoint[Order]("orders", "orders"), reg, JSONSerializer{})
	require.NoError(t, err)

	msg := newStubMessage("m-1", Order{}, 1)
	msg.body = []byte("m-1|42")
	msg.props[ContentTypeProperty] = "text/x-order"
	err = d.dispatch(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deserialize")
}
