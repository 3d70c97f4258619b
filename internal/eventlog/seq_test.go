package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeq_NextIncrements(t *testing.T) {
	s := NewSeq()
	assert.Equal(t, int64(0), s.Current())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Current())
}

func TestSeq_ResumeFromHighWaterMark(t *testing.T) {
	s := NewSeqAt(41)
	assert.Equal(t, int64(41), s.Current())
	assert.Equal(t, int64(42), s.Next())
}
