package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelPattern(t *testing.T) {
	valid := []string{"readings_channel", "gridfeed", "_x", "ch1"}
	for _, ch := range valid {
		assert.True(t, channelPattern.MatchString(ch), ch)
	}

	invalid := []string{"", "Readings", "1ch", "ch-name", "ch;DROP TABLE readings", "ch name"}
	for _, ch := range invalid {
		assert.False(t, channelPattern.MatchString(ch), ch)
	}
}
