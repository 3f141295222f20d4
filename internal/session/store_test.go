package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const sampleState = `{"cookies":[{"name":"px","value":"abc","domain":".example.com","path":"/"}],"origins":[]}`

func TestKey(t *testing.T) {
	assert.Equal(t, "www.example.com", Key("www.example.com"))
	assert.Equal(t, "https_www.example.com_", Key("https://www.example.com/"))
	assert.Equal(t, "default", Key(""))
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "sessions")

	store, err := NewFileStore(dir)
	require.NoError(t, err)

	t.Run("missing state", func(t *testing.T) {
		_, err := store.Load(ctx, "www.example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save then load", func(t *testing.T) {
		err := store.Save(ctx, &State{Site: "www.example.com", Data: json.RawMessage(sampleState)})
		require.NoError(t, err)

		st, err := store.Load(ctx, "www.example.com")
		require.NoError(t, err)
		assert.JSONEq(t, sampleState, string(st.Data))
		assert.False(t, st.SavedAt.IsZero())

		_, err = os.Stat(store.Path("www.example.com") + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("last writer wins", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, &State{Site: "s", Data: json.RawMessage(`{"cookies":[]}`)}))
		require.NoError(t, store.Save(ctx, &State{Site: "s", Data: json.RawMessage(`{"cookies":[{"name":"b"}]}`)}))

		st, err := store.Load(ctx, "s")
		require.NoError(t, err)
		assert.JSONEq(t, `{"cookies":[{"name":"b"}]}`, string(st.Data))
	})

	t.Run("reject empty", func(t *testing.T) {
		assert.Error(t, store.Save(ctx, &State{Site: "s"}))
	})

	t.Run("corrupt file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(store.Path("bad"), []byte("{not json"), 0o600))
		_, err := store.Load(ctx, "bad")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "s"))
		require.NoError(t, store.Delete(ctx, "s"))
		_, err := store.Load(ctx, "s")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	cmd := redis.NewStringCmd(ctx)
	if err := args.Error(1); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(args.String(0))
	}
	return cmd
}

func (m *MockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	cmd := redis.NewStatusCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("OK")
	}
	return cmd
}

func (m *MockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	}
	return cmd
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("save stores envelope under prefixed key", func(t *testing.T) {
		client := new(MockRedisClient)
		store := NewRedisStore(client, "test:", time.Hour)

		client.On("Set", ctx, "test:www.example.com", mock.MatchedBy(func(v interface{}) bool {
			raw, ok := v.([]byte)
			if !ok {
				return false
			}
			var st State
			return json.Unmarshal(raw, &st) == nil && st.Site == "www.example.com" && !st.SavedAt.IsZero()
		}), time.Hour).Return(nil)

		err := store.Save(ctx, &State{Site: "www.example.com", Data: json.RawMessage(sampleState)})
		require.NoError(t, err)
		client.AssertExpectations(t)
	})

	t.Run("load decodes envelope", func(t *testing.T) {
		client := new(MockRedisClient)
		store := NewRedisStore(client, "test:", 0)

		envelope, err := json.Marshal(State{Site: "www.example.com", Data: json.RawMessage(sampleState), SavedAt: time.Now()})
		require.NoError(t, err)
		client.On("Get", ctx, "test:www.example.com").Return(string(envelope), nil)

		st, err := store.Load(ctx, "www.example.com")
		require.NoError(t, err)
		assert.JSONEq(t, sampleState, string(st.Data))
	})

	t.Run("missing key maps to not found", func(t *testing.T) {
		client := new(MockRedisClient)
		store := NewRedisStore(client, "", 0)

		client.On("Get", ctx, "scraper:session:s").Return("", redis.Nil)

		_, err := store.Load(ctx, "s")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		client := new(MockRedisClient)
		store := NewRedisStore(client, "p:", 0)

		client.On("Del", ctx, []string{"p:s"}).Return(nil)
		require.NoError(t, store.Delete(ctx, "s"))
		client.AssertExpectations(t)
	})
}
