package logpipe

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isorun/isorun/internal/models"
)

func TestPost_TruncatesOversizedMessage(t *testing.T) {
	p := New()
	p.Post(models.LogEntry{Level: models.LogLevelLog, Message: strings.Repeat("x", MaxMessageChars+500)})
	entries := p.Drain()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "...[truncated 500 chars]")
	assert.Len(t, []rune(entries[0].Message), MaxMessageChars+len("...[truncated 500 chars]"))
}

func TestPost_OverflowAppendsSyntheticWarning(t *testing.T) {
	p := New()
	for i := 0; i < MaxEntries+37; i++ {
		p.Post(models.LogEntry{Level: models.LogLevelLog, Message: "x"})
	}
	entries := p.Drain()
	require.Len(t, entries, MaxEntries+1)
	last := entries[len(entries)-1]
	assert.Equal(t, "LogOverflow", last.Name)
	assert.Contains(t, last.Message, "37")
}

func TestWait_ReturnsOnDone(t *testing.T) {
	p := New()
	p.Post(models.LogEntry{Message: "a"})
	done := make(chan struct{})
	close(done)
	entries := p.Wait(context.Background(), done)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Message)
}

func TestWait_ReturnsOnContextCancel(t *testing.T) {
	p := New()
	p.Post(models.LogEntry{Message: "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entries := p.Wait(ctx, make(chan struct{}))
	require.Len(t, entries, 1)
}

func TestPost_AfterDrainIsIgnored(t *testing.T) {
	p := New()
	p.Drain()
	p.Post(models.LogEntry{Message: "late"})
	assert.Empty(t, p.Drain())
}
