package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type extractArgs struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
}

func TestNewHandler_Rejects(t *testing.T) {
	var typedNil func(context.Context, string) error

	cases := map[string]struct {
		fn   any
		want string
	}{
		"nil":               {nil, "nil"},
		"typed nil":         {typedNil, "nil"},
		"not a function":    {"extract", "function"},
		"no args":           {func() error { return nil }, "1-2 arguments"},
		"three args":        {func(context.Context, string, int) error { return nil }, "1-2 arguments"},
		"context not first": {func(string, context.Context) error { return nil }, "context.Context first"},
		"no return":         {func(context.Context) {}, "return error"},
		"non-error return":  {func(context.Context) string { return "" }, "return error"},
		"bad pair":          {func(context.Context) (string, string) { return "", "" }, "(T, error)"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewHandler(tc.fn)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewHandler_Accepts(t *testing.T) {
	h, err := NewHandler(func(ctx context.Context, args extractArgs) error { return nil })
	require.NoError(t, err)
	assert.True(t, h.HasContext)
	assert.Equal(t, "extractArgs", h.ArgsType.Name())

	h, err = NewHandler(func(ctx context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)
	assert.Nil(t, h.ArgsType)

	h, err = NewHandler(func(args extractArgs) error { return nil })
	require.NoError(t, err)
	assert.False(t, h.HasContext)
}

func TestExecute_DecodesArgs(t *testing.T) {
	var got extractArgs
	h, err := NewHandler(func(ctx context.Context, args extractArgs) error {
		got = args
		return nil
	})
	require.NoError(t, err)

	payload := []byte(`{"document_id":"doc-1","source":"ca-gov","_dlq_retry_count":2}`)
	require.NoError(t, h.Execute(context.Background(), payload))
	assert.Equal(t, extractArgs{DocumentID: "doc-1", Source: "ca-gov"}, got)
}

func TestExecute_RawPayload(t *testing.T) {
	var got json.RawMessage
	h, err := NewHandler(func(_ context.Context, raw json.RawMessage) error {
		got = raw
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.Execute(context.Background(), []byte(`{"a":1}`)))
	assert.JSONEq(t, `{"a":1}`, string(got))
}

func TestExecute_Errors(t *testing.T) {
	boom := errors.New("boom")

	h, err := NewHandler(func(ctx context.Context, args extractArgs) (string, error) { return "", boom })
	require.NoError(t, err)
	assert.ErrorIs(t, h.Execute(context.Background(), []byte(`{}`)), boom)

	err = h.Execute(context.Background(), []byte(`{not json`))
	assert.ErrorContains(t, err, "unmarshal args")

	assert.Error(t, (&Handler{}).Execute(context.Background(), nil))
}

func TestExecute_RecoversPanic(t *testing.T) {
	h, err := NewHandler(func(ctx context.Context) error { panic("provider exploded") })
	require.NoError(t, err)

	err = h.Execute(context.Background(), nil)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "provider exploded", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestExecute_PropagatesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "run-42")

	var seen any
	h, err := NewHandler(func(ctx context.Context) error {
		seen = ctx.Value(key{})
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.Execute(ctx, nil))
	assert.Equal(t, "run-42", seen)
}
