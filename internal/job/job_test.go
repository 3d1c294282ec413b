package job

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/cluman/internal/eventbus"
)

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("job-%d", atomic.AddInt64(&n, 1))
	}
}

func TestEngine_CreateRunsToCompletion(t *testing.T) {
	Register(Definition{
		Type: "test.completes." + t.Name(),
		Run: func(jc *Context) error {
			jc.Progress("step one")
			return nil
		},
	})
	e := New(eventbus.New(), zerolog.Nop(), nil, sequentialIDs())

	inst, err := e.Create(context.Background(), "test.completes."+t.Name(), nil)
	require.NoError(t, err)
	<-inst.Done()
	assert.Equal(t, StatusCompleted, inst.Status())
	assert.Contains(t, inst.Tail(), "step one")
}

func TestEngine_CreateFailsJobOnError(t *testing.T) {
	Register(Definition{
		Type: "test.fails." + t.Name(),
		Run: func(jc *Context) error {
			return fmt.Errorf("boom")
		},
	})
	e := New(eventbus.New(), zerolog.Nop(), nil, sequentialIDs())

	inst, err := e.Create(context.Background(), "test.fails."+t.Name(), nil)
	require.NoError(t, err)
	<-inst.Done()
	assert.Equal(t, StatusFailed, inst.Status())
	assert.Error(t, inst.Err())
}

func TestEngine_MissingRequiredParamFailsFast(t *testing.T) {
	Register(Definition{
		Type:   "test.requiresparam." + t.Name(),
		Params: []ParamSpec{{Name: "cluster", Type: ParamString, Required: true}},
		Run:    func(jc *Context) error { return nil },
	})
	e := New(eventbus.New(), zerolog.Nop(), nil, sequentialIDs())

	_, err := e.Create(context.Background(), "test.requiresparam."+t.Name(), nil)
	assert.Error(t, err)
}

func TestEngine_NonRepeatableTypeRejectsConcurrentInstance(t *testing.T) {
	block := make(chan struct{})
	jobType := "test.nonrepeat." + t.Name()
	Register(Definition{
		Type: jobType,
		Run: func(jc *Context) error {
			<-block
			return nil
		},
	})
	e := New(eventbus.New(), zerolog.Nop(), nil, sequentialIDs())

	first, err := e.Create(context.Background(), jobType, map[string]any{"cluster": "prod"})
	require.NoError(t, err)

	_, err = e.Create(context.Background(), jobType, map[string]any{"cluster": "prod"})
	assert.Error(t, err)

	close(block)
	<-first.Done()

	_, err = e.Create(context.Background(), jobType, map[string]any{"cluster": "prod"})
	assert.NoError(t, err)
}

func TestEngine_CancelMarksInstanceCancelled(t *testing.T) {
	jobType := "test.cancel." + t.Name()
	Register(Definition{
		Type: jobType,
		Run: func(jc *Context) error {
			<-jc.Context().Done()
			return jc.Context().Err()
		},
	})
	e := New(eventbus.New(), zerolog.Nop(), nil, sequentialIDs())

	inst, err := e.Create(context.Background(), jobType, nil)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(inst.ID))
	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("instance did not terminate after cancel")
	}
	assert.Equal(t, StatusCancelled, inst.Status())
}

func TestEngine_ProgressPublishesToTopic(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	jobType := "test.progress." + t.Name()
	Register(Definition{
		Type: jobType,
		Run: func(jc *Context) error {
			jc.Progress("hello %s", "world")
			return nil
		},
	})
	e := New(bus, zerolog.Nop(), nil, sequentialIDs())

	inst, err := e.Create(context.Background(), jobType, nil)
	require.NoError(t, err)

	sub := bus.Subscribe(8, eventbus.Block, "job."+inst.ID)
	defer sub.Unsubscribe()
	<-inst.Done()

	var sawProgress bool
	for i := 0; i < 4; i++ {
		select {
		case ev := <-sub.C:
			if pe, ok := ev.Payload.(ProgressEvent); ok && pe.Line == "hello world" {
				sawProgress = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	assert.True(t, sawProgress)
}

func TestEngine_ServiceResolvesFromClusterParam(t *testing.T) {
	jobType := "test.service." + t.Name()
	var resolvedName string
	Register(Definition{
		Type:   jobType,
		Params: []ParamSpec{{Name: "cluster", Type: ParamString}},
		Run: func(jc *Context) error {
			svc, err := jc.Service()
			require.NoError(t, err)
			resolvedName, _ = svc.(string)
			return nil
		},
	})
	resolver := func(ctx context.Context, name string) (any, error) {
		return "service-for-" + name, nil
	}
	e := New(eventbus.New(), zerolog.Nop(), resolver, sequentialIDs())

	inst, err := e.Create(context.Background(), jobType, map[string]any{"cluster": "prod"})
	require.NoError(t, err)
	<-inst.Done()
	assert.Equal(t, "service-for-prod", resolvedName)
}
