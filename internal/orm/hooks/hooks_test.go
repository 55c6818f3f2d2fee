package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/persist/internal/hellojpa"
	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/schema"
)

func newMember(t *testing.T, name string) *hellojpa.Member {
	t.Helper()
	model, err := hellojpa.NewModel()
	require.NoError(t, err)
	return model.NewMember(name)
}

func TestRegistry_Order(t *testing.T) {
	r := NewRegistry()
	var calls []string
	record := func(tag string) HookFunc {
		return func(*Context) error {
			calls = append(calls, tag)
			return nil
		}
	}

	require.NoError(t, r.On(hellojpa.MemberEntity, PrePersist, record("member")))
	require.NoError(t, r.On(AllEntities, PrePersist, record("all")))
	require.NoError(t, r.On(hellojpa.TeamEntity, PrePersist, record("team")))

	x := NewExecutorWithRegistry(r, nil, nil)
	require.NoError(t, x.Execute(context.Background(), PrePersist, newMember(t, "m").Entity))
	assert.Equal(t, []string{"all", "member"}, calls)
	assert.False(t, r.HasHooks(hellojpa.MemberEntity, PostLoad))
}

func TestRegistry_Validation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(hellojpa.MemberEntity, PrePersist, &Hook{}))
	assert.Error(t, r.Register(hellojpa.MemberEntity, PrePersist, &Hook{Fn: func(*Context) error { return nil }, Async: true}))
	assert.NoError(t, r.Register(hellojpa.MemberEntity, PostPersist, &Hook{Fn: func(*Context) error { return nil }, Async: true}))
}

func TestExecutor_StopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	x := NewExecutor(nil, nil)
	ran := 0
	require.NoError(t, x.Registry().On(AllEntities, PreRemove, func(*Context) error { ran++; return boom }))
	require.NoError(t, x.Registry().On(AllEntities, PreRemove, func(*Context) error { ran++; return nil }))

	err := x.Execute(context.Background(), PreRemove, newMember(t, "m").Entity)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "hook pre_remove on Member failed")
	assert.Equal(t, 1, ran)

	var nilExecutor *Executor
	assert.NoError(t, nilExecutor.Execute(context.Background(), PreRemove, newMember(t, "m").Entity))
}

func TestExecutor_AsyncHooksSeeACopy(t *testing.T) {
	queue := NewAsyncQueue(1, nil)
	queue.Start()
	x := NewExecutor(queue, nil)

	var mu sync.Mutex
	var seen []string
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, x.Registry().Register(hellojpa.MemberEntity, PostPersist, &Hook{
		Async: true,
		Fn: func(ctx *Context) error {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ctx.Record()["name"].(string))
			if ctx.Entity() != nil {
				return errors.New("async hooks must not see the live instance")
			}
			return nil
		},
	}))

	member := newMember(t, "member1")
	require.NoError(t, x.Execute(context.Background(), PostPersist, member.Entity))
	member.SetName("changed")

	wg.Wait()
	queue.Shutdown()
	assert.Equal(t, []string{"member1"}, seen)
	assert.Equal(t, QueueStats{Completed: 1}, queue.Stats())
	assert.ErrorIs(t, queue.Enqueue(AsyncTask{Name: "late", Fn: func(context.Context) error { return nil }}), ErrQueueClosed)
}

func TestAsyncQueue_RecoversPanics(t *testing.T) {
	queue := NewAsyncQueue(2, nil)
	assert.ErrorIs(t, queue.Enqueue(AsyncTask{Name: "early"}), ErrQueueNotStarted)
	queue.Start()

	done := make(chan struct{})
	require.NoError(t, queue.Enqueue(AsyncTask{Name: "panics", Fn: func(context.Context) error { panic("boom") }}))
	require.NoError(t, queue.Enqueue(AsyncTask{Name: "after", Fn: func(context.Context) error { close(done); return nil }}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue stopped processing after a panic")
	}
	queue.Shutdown()
	assert.Equal(t, QueueStats{Completed: 1, Failed: 1}, queue.Stats())
}

func TestAsyncQueue_FullDoesNotBlock(t *testing.T) {
	queue := NewAsyncQueueWithCapacity(1, 1, nil)
	queue.Start()

	running := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, queue.Enqueue(AsyncTask{Name: "slow", Fn: func(context.Context) error {
		close(running)
		<-release
		return nil
	}}))
	<-running

	noop := func(context.Context) error { return nil }
	require.NoError(t, queue.Enqueue(AsyncTask{Name: "buffered", Fn: noop}))
	assert.ErrorIs(t, queue.Enqueue(AsyncTask{Name: "dropped", Fn: noop}), ErrQueueFull)

	close(release)
	queue.Shutdown()
	assert.Equal(t, int64(2), queue.Stats().Completed)
}

func TestAuditing(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, Auditing(r, func() time.Time { return now }, "system"))
	x := NewExecutorWithRegistry(r, nil, nil)

	member := newMember(t, "member1")
	require.NoError(t, x.Execute(context.Background(), PrePersist, member.Entity))
	assert.Equal(t, "system", member.GetCreatedBy())
	assert.Equal(t, now, member.GetCreatedDate())
	assert.Equal(t, now, member.GetLastModifiedDate())

	later := now.Add(time.Hour)
	now = later
	ctx := WithPrincipal(context.Background(), "kim")
	require.NoError(t, x.Execute(ctx, PreUpdate, member.Entity))
	assert.Equal(t, "system", member.GetCreatedBy())
	assert.Equal(t, "kim", member.GetLastModifiedBy())
	assert.Equal(t, later, member.GetLastModifiedDate())
	assert.NotEqual(t, later, member.GetCreatedDate())
}

func TestAuditing_SkipsEntitiesWithoutAuditFields(t *testing.T) {
	registry, err := schema.Build([]schema.Declaration{
		{Name: "Tag", ID: schema.IDDeclaration{Field: "code", Type: "string"}},
	})
	require.NoError(t, err)
	desc, err := registry.Describe("Tag")
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, Auditing(r, nil, "system"))
	tag := newTag(desc)
	assert.NoError(t, NewExecutorWithRegistry(r, nil, nil).Execute(context.Background(), PrePersist, tag))
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent("POST_LOAD")
	require.NoError(t, err)
	assert.Equal(t, PostLoad, e)
	assert.True(t, e.IsPost())
	_, err = ParseEvent("before_save")
	assert.Error(t, err)
}

func newTag(desc *schema.EntityDescriptor) *entity.Entity {
	return entity.New(desc)
}
