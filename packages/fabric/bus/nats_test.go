package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/regtech/fabric/packages/fabric/dispatcher"
	"github.com/regtech/fabric/packages/fabric/event"
)

func TestAckAction(t *testing.T) {
	assert.Equal(t, ackAck, ackAction(nil))
	assert.Equal(t, ackTerm, ackAction(event.ErrMalformedPayload))
	assert.Equal(t, ackTerm, ackAction(dispatcher.ErrNoListener))
	assert.Equal(t, ackNak, ackAction(errors.New("db timeout")))
}
