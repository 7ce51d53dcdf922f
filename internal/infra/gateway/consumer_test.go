package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDurableName(t *testing.T) {
	assert.Equal(t, "swapbot-events-consumer", durableName("swapbot"))
	assert.Equal(t, "bot-events-consumer", durableName(""))
}
