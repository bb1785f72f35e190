package openai

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram-memory/internal/memerrors"
	"engram-memory/internal/ports"
)

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"padded", "  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripCodeFence(tc.in))
		})
	}
}

func TestRateLimiterAllowAndRefill(t *testing.T) {
	rl := NewRateLimiter(2, 10*time.Millisecond)

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestRateLimiterWaitHonoursCancellation(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want memerrors.Kind
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, memerrors.KindExternalTransient},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, memerrors.KindExternalTransient},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, memerrors.KindExternalPermanent},
		{"missing model", &openai.APIError{HTTPStatusCode: 404}, memerrors.KindExternalPermanent},
		{"timeout", context.DeadlineExceeded, memerrors.KindExternalTransient},
		{"cancelled", context.Canceled, memerrors.KindCancelled},
		{"network", errors.New("connection reset"), memerrors.KindExternalTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, memerrors.KindOf(classify(tc.err)))
		})
	}
}

func TestSortRerankedDesc(t *testing.T) {
	docs := []ports.RerankedDoc{
		{Index: 0, Score: 0.2},
		{Index: 1, Score: 0.9},
		{Index: 2, Score: 0.5},
	}
	sortRerankedDesc(docs)
	assert.Equal(t, 1, docs[0].Index)
	assert.Equal(t, 2, docs[1].Index)
	assert.Equal(t, 0, docs[2].Index)
}

func TestToAPIMessages(t *testing.T) {
	out := toAPIMessages([]ports.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "hello", out[1].Content)
}
