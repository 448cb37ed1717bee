package chat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/calcai/internal/assistant"
)

type mockAssistant struct {
	AskFunc func(ctx context.Context, query string) assistant.Reply
	calls   atomic.Int32
}

func (m *mockAssistant) Ask(ctx context.Context, query string) assistant.Reply {
	m.calls.Add(1)
	if m.AskFunc != nil {
		return m.AskFunc(ctx, query)
	}
	return assistant.Reply{Text: "**Answer:** " + query}
}

func TestNew_StartsWithWelcome(t *testing.T) {
	c := New(&mockAssistant{})
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, WelcomeID, msgs[0].ID)
	assert.Equal(t, RoleModel, msgs[0].Role)
	assert.False(t, c.Pending())
}

func TestSend_AppendsUserThenModel(t *testing.T) {
	a := &mockAssistant{}
	c := New(a)

	for _, q := range []string{"Solve 2x=4", "What is 3+3?"} {
		model, err := c.Send(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, "**Answer:** "+q, model.Text)

		msgs := c.Messages()
		user, last := msgs[len(msgs)-2], msgs[len(msgs)-1]
		assert.Equal(t, RoleUser, user.Role)
		assert.Equal(t, q, user.Text)
		assert.Equal(t, RoleModel, last.Role)
		assert.Equal(t, model, last)
		assert.NotEqual(t, user.ID, last.ID)
	}
	assert.Len(t, c.Messages(), 5)
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestSend_EmptyQueryIsIgnored(t *testing.T) {
	a := &mockAssistant{}
	c := New(a)

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := c.Send(context.Background(), q)
		require.ErrorIs(t, err, ErrEmptyQuery)
	}
	assert.Len(t, c.Messages(), 1)
	assert.Zero(t, a.calls.Load())
}

func TestSend_UnreachableAssistant(t *testing.T) {
	a := &mockAssistant{AskFunc: func(ctx context.Context, query string) assistant.Reply {
		return assistant.Reply{Err: errors.New("dial tcp: no route to host")}
	}}
	c := New(a)

	model, err := c.Send(context.Background(), "Solve 2x=4")
	require.NoError(t, err)
	assert.True(t, model.IsError)
	assert.Equal(t, assistant.ConnectionErrorText, model.Text)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Solve 2x=4", msgs[1].Text)
	assert.Equal(t, assistant.ConnectionErrorText, msgs[2].Text)
	assert.False(t, c.Pending())

	// The conversation stays usable.
	a.AskFunc = nil
	_, err = c.Send(context.Background(), "again")
	require.NoError(t, err)
	assert.Len(t, c.Messages(), 5)
}

func TestSend_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	a := &mockAssistant{AskFunc: func(ctx context.Context, query string) assistant.Reply {
		close(started)
		<-release
		return assistant.Reply{Text: "4"}
	}}
	c := New(a)

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "2+2")
		done <- err
	}()

	<-started
	assert.True(t, c.Pending())
	// The user turn is visible while the answer is pending.
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[1].Role)

	_, err := c.Send(context.Background(), "3+3")
	require.ErrorIs(t, err, ErrBusy)
	assert.Len(t, c.Messages(), 2)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send did not return")
	}

	assert.False(t, c.Pending())
	assert.Len(t, c.Messages(), 3)
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestSend_AssistantPanicClearsPending(t *testing.T) {
	c := New(&mockAssistant{AskFunc: func(ctx context.Context, query string) assistant.Reply {
		panic("boom")
	}})

	model, err := c.Send(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, model.IsError)
	assert.False(t, c.Pending())
}

func TestOnAppend(t *testing.T) {
	var seen []Message
	c := New(&mockAssistant{}, OnAppend(func(m Message) { seen = append(seen, m) }))

	_, err := c.Send(context.Background(), "1+1")
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, RoleUser, seen[0].Role)
	assert.Equal(t, RoleModel, seen[1].Role)
}

func TestRenderHTML(t *testing.T) {
	got := RenderHTML("**Answer:** 42\n\n1. x < 3 & **y**")
	assert.Equal(t, "<strong>Answer:</strong> 42<br><br>1. x &lt; 3 &amp; <strong>y</strong>", got)
	assert.Equal(t, "a ** b", RenderHTML("a ** b"))
}

func TestTerminalRenderer_FallsBackOnNil(t *testing.T) {
	var r *TerminalRenderer
	assert.Equal(t, "**x**", r.Render("**x**"))
}
