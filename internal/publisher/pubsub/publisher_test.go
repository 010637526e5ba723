package pubsub

import (
	"context"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notice struct {
	RunID string `json:"run_id"`
}

func (n notice) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID}
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{send: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}}

	id, err := p.Publish(context.Background(), "samples", notice{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"run_id":"r1"}`, string(got.Data))
	assert.Equal(t, "r1", got.Attributes["run_id"])
	assert.Equal(t, "samples", got.Attributes["topic"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", 1)
	require.Error(t, err)

	p := &Publisher{send: func(context.Context, *pubsub.Message) (string, error) {
		return "", errors.New("unavailable")
	}}
	_, err = p.Publish(context.Background(), "t", map[string]int{"a": 1})
	require.ErrorContains(t, err, "unavailable")

	_, err = p.Publish(context.Background(), "t", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
