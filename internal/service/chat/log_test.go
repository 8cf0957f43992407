package chat_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/popchat/backend/internal/model/chat"
	chat "github.com/zhouzirui/popchat/backend/internal/service/chat"
)

func TestMessageLogPreservesInsertionOrder(t *testing.T) {
	l := chat.NewMessageLog("s1")

	texts := []string{"one", "two", "three"}
	for i, text := range texts {
		author := model.AuthorUser
		if i%2 == 1 {
			author = model.AuthorBot
		}
		_, err := l.AppendText(text, author)
		require.NoError(t, err)
	}

	var got []string
	for i, msg := range l.Messages() {
		assert.Equal(t, i+1, msg.Seq)
		assert.Equal(t, "s1", msg.SessionID)
		got = append(got, msg.Content.Text)
	}
	if diff := cmp.Diff(texts, got); diff != "" {
		t.Fatalf("log order mismatch (-want +got):\n%s", diff)
	}

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, "three", last.Content.Text)
}

func TestMessageLogRejectsUnknownAuthor(t *testing.T) {
	l := chat.NewMessageLog("s1")

	_, err := l.AppendText("hi", model.Author("system"))
	require.ErrorIs(t, err, chat.ErrInvalidAuthor)
	assert.Equal(t, 0, l.Len())
}

func TestMessageLogNotifiesSubscribersInOrder(t *testing.T) {
	l := chat.NewMessageLog("s1")

	var seen []int
	unsubscribe := l.Subscribe(func(msg model.Message) {
		// listeners may read the log while being notified
		require.Equal(t, msg.Seq, l.Len())
		seen = append(seen, msg.Seq)
	})

	_, _ = l.AppendText("a", model.AuthorUser)
	_, _ = l.AppendText("b", model.AuthorBot)
	unsubscribe()
	_, _ = l.AppendText("c", model.AuthorUser)

	assert.Equal(t, []int{1, 2}, seen)
}

func TestMessageLogSince(t *testing.T) {
	l := chat.NewMessageLog("s1")
	for _, text := range []string{"a", "b", "c"} {
		_, _ = l.AppendText(text, model.AuthorUser)
	}

	tail := l.Since(1)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].Content.Text)
	assert.Empty(t, l.Since(3))
	assert.Len(t, l.Since(-5), 3)
}

func TestMessageLogMessagesIsACopy(t *testing.T) {
	l := chat.NewMessageLog("s1")
	_, _ = l.AppendText("hello there", model.AuthorUser)

	snapshot := l.Messages()
	snapshot[0].Content.Text = "mutated"

	assert.Equal(t, "hello there", l.Messages()[0].Content.Text)
}
