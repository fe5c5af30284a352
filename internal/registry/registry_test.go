package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct{ id int64 }

func TestResolveMemoizes(t *testing.T) {
	var built atomic.Int64
	reg := New[*widget]()
	reg.Register("a", func() (*widget, error) {
		return &widget{id: built.Add(1)}, nil
	})

	var wg sync.WaitGroup
	results := make([]*widget, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := reg.Resolve("a")
			if err == nil {
				results[i] = w
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), built.Load())
	for _, w := range results {
		assert.Same(t, results[0], w)
	}
}

func TestResolveUnknown(t *testing.T) {
	reg := New[int]()
	_, err := reg.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestFactoryErrorIsNotMemoized(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	reg := New[string]()
	reg.Register("flaky", func() (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	})

	_, err := reg.Resolve("flaky")
	require.ErrorIs(t, err, boom)

	value, err := reg.Resolve("flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestRegisterReplacesInstance(t *testing.T) {
	reg := New[string]()
	reg.RegisterInstance("x", "first")
	reg.Register("x", func() (string, error) { return "second", nil })

	value, err := reg.Resolve("x")
	require.NoError(t, err)
	assert.Equal(t, "second", value)
	assert.Equal(t, []string{"x"}, reg.Names())
}
