package mq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestConsumerTimeout_ExceedsAckDeadline(t *testing.T) {
	for _, deadline := range []time.Duration{time.Second, DefaultAckDeadline} {
		got := consumerTimeout(deadline)
		assert.Greater(t, got, deadline)
		assert.Equal(t, deadline+consumerTimeoutMargin, got)
	}
}

func TestHeaderAttempt(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{name: "missing", headers: nil, want: 1},
		{name: "int32", headers: amqp.Table{headerDeliveryAttempt: int32(3)}, want: 3},
		{name: "int64", headers: amqp.Table{headerDeliveryAttempt: int64(4)}, want: 4},
		{name: "string", headers: amqp.Table{headerDeliveryAttempt: "2"}, want: 2},
		{name: "garbage", headers: amqp.Table{headerDeliveryAttempt: "x"}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, headerAttempt(tt.headers))
		})
	}
}
