package registry

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/testbit/testbit/model"
)

type fakePublisher struct {
	channel  string
	messages [][]byte
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if p.err != nil {
		return redis.NewIntResult(0, p.err)
	}
	p.channel = channel
	p.messages = append(p.messages, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (p *fakePublisher) Close() error { return nil }

func TestRedisNotifier(t *testing.T) {
	ctx := context.Background()
	pub := &fakePublisher{}
	n := &RedisNotifier{client: pub, channel: DefaultChannel}

	test := model.Test{ID: 5, Status: model.StatusH0, Params: testParams()}
	test.PM = math.Inf(1)
	require.NoError(t, n.Publish(ctx, test))

	require.Equal(t, DefaultChannel, pub.channel)
	require.Len(t, pub.messages, 1)

	var update Update
	require.NoError(t, json.Unmarshal(pub.messages[0], &update))
	require.Equal(t, int64(5), update.Test.ID)
	require.Equal(t, model.StatusH0, update.Test.Status)
	require.Equal(t, "H0 accepted", update.Label)
	require.Equal(t, "10+0.1", update.TC)
	require.True(t, math.IsInf(update.Test.PM, 1))

	pub.err = errors.New("connection refused")
	require.Error(t, n.Publish(ctx, test))
}

func TestNewRedisNotifierRejectsBadURL(t *testing.T) {
	_, err := NewRedisNotifier("http://example.org", "")
	require.Error(t, err)
}
