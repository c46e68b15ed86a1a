package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("ab"))
	assert.Equal(t, 25, c.Count(strings.Repeat("x", 100)))
}

func TestHeuristicCounter_ScalesWithLength(t *testing.T) {
	c := HeuristicCounter{}
	short := c.Count("korte tekst")
	long := c.Count(strings.Repeat("een veel langere tekst ", 50))
	assert.Greater(t, long, short)
}

func TestDefault_ReturnsUsableCounter(t *testing.T) {
	c := Default()
	assert.NotNil(t, c)
	assert.Greater(t, c.Count("het taalbeleid van de school"), 0)
}
