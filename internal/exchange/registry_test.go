package exchange

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseFactory(owner ServiceContext, name string) (Connector, error) {
	return NewBase(owner, "base", name), nil
}

func TestRegistryCreateUnknown(t *testing.T) {
	r := NewRegistry()
	c, err := r.Create("unknown-type", ServiceContext{}, "x")
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrUnknownExchangeType)
}

func TestRegistryRegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	var gotName string
	require.NoError(t, r.RegisterFactory("X", func(owner ServiceContext, name string) (Connector, error) {
		gotName = name
		return NewBase(owner, "X", name), nil
	}))

	c, err := r.Create("X", ServiceContext{ServiceName: "router"}, "x-east")
	require.NoError(t, err)
	assert.Equal(t, "x-east", gotName)
	assert.Equal(t, "x-east", c.ExchangeName())
	assert.Equal(t, "X", c.ExchangeType())
	assert.True(t, r.Has("X"))
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFactory("dup", baseFactory))
	err := r.RegisterFactory("dup", baseFactory)
	assert.ErrorIs(t, err, ErrDuplicateExchangeType)

	assert.Panics(t, func() { r.MustRegisterFactory("dup", baseFactory) })
}

func TestRegistryRejectsInvalidRegistration(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterFactory("", baseFactory))
	assert.Error(t, r.RegisterFactory("nil", nil))
	assert.Empty(t, r.Types())
}

func TestRegistryWrapsFactoryErrors(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	require.NoError(t, r.RegisterFactory("bad", func(ServiceContext, string) (Connector, error) {
		return nil, boom
	}))
	_, err := r.Create("bad", ServiceContext{}, "b")
	assert.ErrorIs(t, err, boom)

	require.NoError(t, r.RegisterFactory("nil", func(ServiceContext, string) (Connector, error) {
		return nil, nil
	}))
	_, err = r.Create("nil", ServiceContext{}, "n")
	assert.Error(t, err)
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("type-%02d", i)
			assert.NoError(t, r.RegisterFactory(name, baseFactory))
			_, err := r.Create(name, ServiceContext{}, name)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	types := r.Types()
	require.Len(t, types, 50)
	assert.Equal(t, "type-00", types[0])
	assert.Equal(t, "type-49", types[49])
}
