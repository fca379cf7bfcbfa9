package prompt

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole_UserNameRetriesUntilGiven(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("\n   \n  ada  \n"), &out)

	name, err := c.UserName(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ada", name)
	assert.Equal(t, 3, strings.Count(out.String(), userNameQuestion))
	assert.Equal(t, 2, strings.Count(out.String(), "Name is required."))
}

func TestConsole_UserNameGivesUp(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("\n\n\n\nlate\n"), &out)

	name, err := c.UserName(context.Background())
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, defaultNameAttempts, strings.Count(out.String(), userNameQuestion))
}

func TestConsole_UserNameEOF(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader(""), &out)

	name, err := c.UserName(context.Background())
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Equal(t, 1, strings.Count(out.String(), userNameQuestion))
}

func TestConsole_TaskAndReflection(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("fix the parser\n\n"), &out)

	task, err := c.TaskDescription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fix the parser", task)

	reflection, err := c.Reflection(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reflection)

	assert.Contains(t, out.String(), taskQuestion)
	assert.Contains(t, out.String(), reflectionQuestion)
}

func TestConsole_LastLineWithoutNewline(t *testing.T) {
	c := NewConsole(strings.NewReader("no newline"), &bytes.Buffer{})

	task, err := c.TaskDescription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no newline", task)
}

func TestConsole_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConsole(strings.NewReader("ada\n"), &bytes.Buffer{})
	_, err := c.TaskDescription(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInteractive_RegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, Interactive(f))
}
