package storage

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type closeRecorder struct {
	io.Reader
	closes int
	at     time.Time
}

func (c *closeRecorder) Close() error {
	c.closes++
	c.at = time.Now()
	return nil
}

func TestWithCloseDelay(t *testing.T) {
	rc := &closeRecorder{Reader: strings.NewReader("x")}
	start := time.Now()
	d := WithCloseDelay(rc, 20*time.Millisecond)

	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
	assert.Equal(t, 1, rc.closes)
	assert.GreaterOrEqual(t, rc.at.Sub(start), 20*time.Millisecond)
}

func TestWithCloseDelayZeroReturnsOriginal(t *testing.T) {
	rc := &closeRecorder{Reader: strings.NewReader("x")}
	assert.Same(t, rc, WithCloseDelay(rc, 0).(*closeRecorder))
}
