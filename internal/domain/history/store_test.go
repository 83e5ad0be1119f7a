package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-server-go/internal/domain/llm"
	"voicecall-server-go/internal/platform/errors"
	"voicecall-server-go/internal/platform/storage"
)

func newStores(t *testing.T, maxLen int) map[string]Store {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	db, err := storage.Open(fmt.Sprintf("file:history-%d?mode=memory&cache=shared", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	cfg := Config{MaxLen: maxLen, TTL: time.Hour, Redis: &RedisConfig{Addr: mr.Addr()}}

	stores := map[string]Store{}
	for _, driver := range []string{DriverMemory, DriverSQLite, DriverRedis} {
		cfg.Driver = driver
		s, err := New(cfg, Dependencies{SQLiteDB: db})
		require.NoError(t, err, driver)
		t.Cleanup(func() { _ = s.Close() })
		stores[driver] = s
	}
	return stores
}

func turn(role llm.Role, content string) Turn {
	return Turn{Role: role, Content: content, At: time.Now()}
}

func contents(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func TestStores_AppendRecentClear(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append(ctx, "a", turn(llm.RoleUser, "what time is it")))
			require.NoError(t, s.Append(ctx, "a", turn(llm.RoleAssistant, "It's 3pm"), turn(llm.RoleUser, "thanks")))
			require.NoError(t, s.Append(ctx, "b", turn(llm.RoleUser, "other session")))

			got, err := s.Recent(ctx, "a", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"what time is it", "It's 3pm", "thanks"}, contents(got))
			assert.Equal(t, llm.RoleAssistant, got[1].Role)

			got, err = s.Recent(ctx, "a", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"It's 3pm", "thanks"}, contents(got))

			require.NoError(t, s.Clear(ctx, "a"))
			got, err = s.Recent(ctx, "a", 0)
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = s.Recent(ctx, "b", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"other session"}, contents(got))
		})
	}
}

func TestStores_MaxLen(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 3) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Append(ctx, "cap", turn(llm.RoleUser, fmt.Sprintf("m%d", i))))
			}
			got, err := s.Recent(ctx, "cap", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"m2", "m3", "m4"}, contents(got))
		})
	}
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := NewRedis(Config{TTL: time.Minute, Redis: &RedisConfig{Addr: mr.Addr(), Prefix: "t:"}})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(ctx, "x", turn(llm.RoleUser, "hello")))
	assert.True(t, mr.Exists("t:x"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("t:x"))
}

func TestNew_Errors(t *testing.T) {
	for _, cfg := range []Config{
		{Driver: "mongo"},
		{Driver: DriverSQLite},
		{Driver: DriverRedis},
		{Driver: DriverRedis, Redis: &RedisConfig{}},
	} {
		_, err := New(cfg, Dependencies{})
		require.Error(t, err, cfg.Driver)
		assert.True(t, errors.IsKind(err, errors.KindConfig), "%v", err)
	}

	_, err := New(Config{Driver: DriverRedis, Redis: &RedisConfig{Addr: "127.0.0.1:1"}}, Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindStorage), "unreachable redis is a storage error")

	s, err := New(Config{}, Dependencies{})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestWindow(t *testing.T) {
	w := NewWindow(2)
	w.Append(turn(llm.RoleUser, "one"))
	w.Append(turn(llm.RoleAssistant, "two"), turn(llm.RoleUser, "three"))

	assert.Equal(t, 2, w.Len())
	assert.Equal(t, []string{"two", "three"}, contents(w.Turns()))

	msgs := w.Messages("be brief")
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)

	assert.Len(t, NewWindow(0).Messages(""), 0)
}
