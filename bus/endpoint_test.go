package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeName(t *testing.T) {
	assert.Equal(t, "github.com/infigaming-com/go-servicebus/bus.Order", TypeName[Order]())
	assert.Equal(t, TypeName[Order](), TypeName[*Order]())
	assert.Equal(t, TypeName[Order](), TypeNameOf(&Order{}))
	assert.Equal(t, "string", TypeName[string]())
	assert.Empty(t, TypeNameOf(nil))
}

func TestNormalizeTypeName(t *testing.T) {
	cases := map[string]string{
		"github.com/acme/orders-svc.Order": "github_com_acme_orders_svc_Order",
		"Order":                            "Order",
		"a.b/c-d":                          "a_b_c_d",
		"":                                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeTypeName(in), in)
	}
}

func TestFilter(t *testing.T) {
	f := TypeFilter("acme.Order")
	assert.Equal(t, `TYPE_HEADER = "acme_Order"`, f.String())
	assert.True(t, f.Matches(map[string]string{TypeHeaderName: "acme_Order"}))
	assert.False(t, f.Matches(map[string]string{TypeHeaderName: "acme_Invoice"}))
	assert.False(t, f.Matches(nil))
	assert.True(t, Filter{}.Matches(nil))
}

func TestNewEndpointDefaults(t *testing.T) {
	e := NewEndpoint[Order]("orders", "orders-handler")
	assert.Equal(t, TypeName[Order](), e.MessageType)
	assert.Equal(t, 5, e.Attributes.MaxRetries)
	assert.Equal(t, time.Second, e.Attributes.PauseTimeIfErrorWasThrown)
	assert.Equal(t, PeekLock, e.Attributes.ReceiveMode)
	assert.False(t, e.IsReusable)
	require.NoError(t, e.validate())
}

func TestNewEndpointOptions(t *testing.T) {
	e := NewEndpoint[Order]("orders", "orders-handler",
		WithAttributes(AttributeData{MaxRetries: -1, PrefetchCount: -4, ReceiveMode: ReceiveAndDelete}),
		WithMessageType("acme.Order"),
		WithReusableHandler(true),
	)
	assert.Equal(t, "acme.Order", e.MessageType)
	assert.Equal(t, `TYPE_HEADER = "acme_Order"`, e.Filter().String())
	assert.Equal(t, 5, e.Attributes.MaxRetries)
	assert.Zero(t, e.Attributes.PrefetchCount)
	assert.Equal(t, ReceiveAndDelete, e.Attributes.ReceiveMode)
	assert.True(t, e.IsReusable)
}

func TestEndpointValidate(t *testing.T) {
	assert.Error(t, NewEndpoint[Order]("", "h").validate())
	assert.Error(t, NewEndpoint[Order]("orders", "").validate())
}

func TestParseReceiveMode(t *testing.T) {
	m, err := ParseReceiveMode("Receive_And_Delete")
	require.NoError(t, err)
	assert.Equal(t, ReceiveAndDelete, m)

	m, err = ParseReceiveMode("")
	require.NoError(t, err)
	assert.Equal(t, PeekLock, m)

	_, err = ParseReceiveMode("sometimes")
	assert.Error(t, err)
}
