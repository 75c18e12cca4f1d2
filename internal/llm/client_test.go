package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowchat/pkg/schema"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "test-model"})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURLAndModel(t *testing.T) {
	_, err := New(Config{Model: "m"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = New(Config{BaseURL: "http://x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestComplete_Success(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultEndpointPath, r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello back"}}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	})

	out, err := c.Complete(context.Background(), "be nice",
		[]schema.ChatMessage{{Role: schema.RoleUser, Content: "hello"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello back", out)

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, DefaultTemperature, got.Temperature)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	assert.Equal(t, []schema.ChatMessage{
		{Role: schema.RoleSystem, Content: "be nice"},
		{Role: schema.RoleUser, Content: "hello"},
	}, got.Messages)
}

func TestComplete_OmitsEmptySystemPrompt(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	_, err := c.Complete(context.Background(), "", []schema.ChatMessage{{Role: schema.RoleUser, Content: "q"}}, nil)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, schema.RoleUser, got.Messages[0].Role)
}

func TestComplete_HTTPErrors(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		retryable bool
		msg       string
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, true, "slow down"},
		{http.StatusBadGateway, `upstream gone`, true, "upstream gone"},
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, false, "bad key"},
		{http.StatusBadRequest, `nope`, false, "nope"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Complete(context.Background(), "", nil, nil)
			require.Error(t, err)

			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeCollaborator, fe.Code)
			assert.Equal(t, tt.status, fe.Details["status"])
			assert.Equal(t, tt.retryable, fe.Details["retryable"])
			assert.Contains(t, fe.Message, tt.msg)
		})
	}
}

func TestComplete_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := c.Complete(context.Background(), "", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestComplete_CancelledContextIsNotRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, "", nil, nil)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, false, fe.Details["retryable"])
}

func TestBuildSystemPrompt(t *testing.T) {
	tests := []struct {
		name    string
		plugins string
		want    string
	}{
		{"none", ``, "base"},
		{"empty array", `[]`, "base"},
		{"not an array", `{"name":"x"}`, "base"},
		{"names", `["search","calc"]`, "base\n\n你可以使用以下插件能力：\n- search: \n- calc: \n"},
		{"objects", `[{"name":"search","description":"web search"},{"description":"?"}]`,
			"base\n\n你可以使用以下插件能力：\n- search: web search\n- 未知插件: ?\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildSystemPrompt("base", json.RawMessage(tt.plugins)))
		})
	}
}

func TestComplete_LongErrorBodyStaysValidUTF8(t *testing.T) {
	body := strings.Repeat("服务暂时不可用", 100)
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(body))
	})
	_, err := c.Complete(context.Background(), "", nil, nil)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Contains(t, err.Error(), "...")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "你好...", truncate("你好世界", 2))
}
