package transform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/glimte/busbridge/contracts"
)

// Mock stage for counting invocations
type mockStage struct {
	mock.Mock
}

func (m *mockStage) Apply(msg contracts.Message, dir Direction) Result {
	args := m.Called(msg, dir)
	return args.Get(0).(Result)
}

// appendHeader records the stage name in the "trace" header
func appendHeader(name string) Func {
	return func(msg contracts.Message, _ Direction) Result {
		trace, _ := msg.GetHeader("trace")
		if trace != "" {
			trace += ","
		}
		return Modified(msg.WithHeader("trace", trace+name))
	}
}

func TestPipelineOrdering(t *testing.T) {
	t.Run("Sorts by ordinal with stable ties and unordered last", func(t *testing.T) {
		p := NewPipeline()
		require.NoError(t, p.Register(NewDescriptor("five", 5, appendHeader("five"))))
		require.NoError(t, p.Register(NewDescriptor("one-a", 1, appendHeader("one-a"))))
		require.NoError(t, p.Register(NewUnorderedDescriptor("max", appendHeader("max"))))
		require.NoError(t, p.Register(NewDescriptor("one-b", 1, appendHeader("one-b"))))
		p.Build()

		assert.Equal(t, []string{"one-a", "one-b", "five", "max"}, p.Stages())

		out, ok, err := p.Apply(contracts.NewMessage(), Inbound)
		require.NoError(t, err)
		require.True(t, ok)
		trace, _ := out.GetHeader("trace")
		assert.Equal(t, "one-a,one-b,five,max", trace)
	})

	t.Run("Explicit MaxInt ordinal ties with unordered by registration", func(t *testing.T) {
		p := NewPipeline()
		require.NoError(t, p.Register(NewUnorderedDescriptor("first", appendHeader("first"))))
		require.NoError(t, p.Register(NewDescriptor("second", Unordered, appendHeader("second"))))
		p.Build()

		assert.Equal(t, []string{"first", "second"}, p.Stages())
	})

	t.Run("Empty pipeline passes message unchanged", func(t *testing.T) {
		p := NewPipeline()
		p.Build()

		msg := contracts.NewMessage(contracts.WithString("hello"))
		out, ok, err := p.Apply(msg, Outbound)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, msg.GetID(), out.GetID())
		assert.Equal(t, "hello", out.GetBody().String())
	})
}

func TestPipelineLifecycle(t *testing.T) {
	t.Run("Register after build fails", func(t *testing.T) {
		p := NewPipeline()
		p.Build()

		err := p.Register(NewDescriptor("late", 1, appendHeader("late")))
		assert.ErrorIs(t, err, ErrPipelineBuilt)
	})

	t.Run("Apply before build fails", func(t *testing.T) {
		p := NewPipeline()
		_, ok, err := p.Apply(contracts.NewMessage(), Inbound)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrPipelineNotBuilt)
	})

	t.Run("Rejects descriptor without transform", func(t *testing.T) {
		p := NewPipeline()
		err := p.Register(Descriptor{Name: "empty"})
		assert.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("Builds from registry", func(t *testing.T) {
		registry := StaticRegistry{
			NewDescriptor("b", 2, appendHeader("b")),
			NewDescriptor("a", 1, appendHeader("a")),
		}
		p, err := FromRegistry(registry)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, p.Stages())
	})
}

func TestPipelineShortCircuit(t *testing.T) {
	t.Run("Drop stops later stages", func(t *testing.T) {
		later := new(mockStage)

		p := NewPipeline()
		require.NoError(t, p.Register(NewDescriptor("drop", 1, func(contracts.Message, Direction) Result {
			return Dropped()
		})))
		require.NoError(t, p.Register(NewDescriptor("later", 2, later.Apply)))
		p.Build()

		out, ok, err := p.Apply(contracts.NewMessage(), Inbound)
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, out.IsZero())
		later.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	})

	t.Run("Failure reports the stage", func(t *testing.T) {
		cause := errors.New("boom")
		later := new(mockStage)

		p := NewPipeline()
		require.NoError(t, p.Register(NewDescriptor("fail", 1, func(contracts.Message, Direction) Result {
			return Failed(cause)
		})))
		require.NoError(t, p.Register(NewDescriptor("later", 2, later.Apply)))
		p.Build()

		_, ok, err := p.Apply(contracts.NewMessage(), Outbound)
		assert.False(t, ok)

		var terr *TransformError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "fail", terr.Stage)
		assert.Equal(t, Outbound, terr.Direction)
		assert.ErrorIs(t, err, cause)
		later.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	})

	t.Run("Passed keeps the current message", func(t *testing.T) {
		stage := new(mockStage)
		msg := contracts.NewMessage(contracts.WithHeaderValue("k", "v"))
		stage.On("Apply", mock.Anything, Inbound).Return(Passed(contracts.NewMessage()))

		p := NewPipeline()
		require.NoError(t, p.Register(NewUnorderedDescriptor("pass", stage.Apply)))
		p.Build()

		out, ok, err := p.Apply(msg, Inbound)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, msg.GetID(), out.GetID())
		stage.AssertExpectations(t)
	})
}

func TestBuiltinTransforms(t *testing.T) {
	msg := contracts.NewMessage(
		contracts.WithHeaders(map[string]string{"tenant": "acme", "secret": "x"}),
		contracts.WithString("0123456789"),
	)

	t.Run("HeaderFilter drops matching value", func(t *testing.T) {
		assert.Equal(t, KindDropped, HeaderFilter("tenant", "acme")(msg, Inbound).Kind())
		assert.Equal(t, KindPassed, HeaderFilter("tenant", "other")(msg, Inbound).Kind())
		assert.Equal(t, KindDropped, HeaderFilter("secret", "")(msg, Inbound).Kind())
	})

	t.Run("StripHeaders removes keys", func(t *testing.T) {
		res := StripHeaders("secret", "missing")(msg, Outbound)
		require.Equal(t, KindModified, res.Kind())
		_, ok := res.Message().GetHeader("secret")
		assert.False(t, ok)

		assert.Equal(t, KindPassed, StripHeaders("missing")(msg, Outbound).Kind())
	})

	t.Run("SetHeaders overwrites values", func(t *testing.T) {
		res := SetHeaders(map[string]string{"tenant": "globex"})(msg, Outbound)
		v, _ := res.Message().GetHeader("tenant")
		assert.Equal(t, "globex", v)
	})

	t.Run("MaxBodySize fails oversized bodies", func(t *testing.T) {
		assert.Equal(t, KindPassed, MaxBodySize(10)(msg, Inbound).Kind())
		res := MaxBodySize(5)(msg, Inbound)
		assert.Equal(t, KindFailed, res.Kind())
		assert.ErrorIs(t, res.Err(), ErrBodyTooLarge)
	})

	t.Run("RequireHeader fails when missing", func(t *testing.T) {
		assert.Equal(t, KindPassed, RequireHeader("tenant")(msg, Inbound).Kind())
		assert.ErrorIs(t, RequireHeader("trace")(msg, Inbound).Err(), ErrMissingHeader)
	})

	t.Run("OnlyDirection ignores the other direction", func(t *testing.T) {
		fn := OnlyDirection(Inbound, HeaderFilter("tenant", ""))
		assert.Equal(t, KindDropped, fn(msg, Inbound).Kind())
		assert.Equal(t, KindPassed, fn(msg, Outbound).Kind())
	})
}

func TestCatalog(t *testing.T) {
	t.Run("Resolves configured transforms", func(t *testing.T) {
		one := 1
		registry, err := DefaultCatalog().Resolve([]Spec{
			{Name: "strip-headers", Params: map[string]string{"headers": "secret, internal"}},
			{Name: "require-header", Ordinal: &one, Params: map[string]string{"header": "tenant", "direction": "inbound"}},
		})
		require.NoError(t, err)

		p, err := FromRegistry(registry)
		require.NoError(t, err)
		assert.Equal(t, []string{"require-header", "strip-headers"}, p.Stages())

		_, ok, err := p.Apply(contracts.NewMessage(), Outbound)
		assert.NoError(t, err)
		assert.True(t, ok)

		_, _, err = p.Apply(contracts.NewMessage(), Inbound)
		assert.ErrorIs(t, err, ErrMissingHeader)
	})

	t.Run("Unknown name fails", func(t *testing.T) {
		_, err := DefaultCatalog().Resolve([]Spec{{Name: "nope"}})
		assert.Error(t, err)
	})

	t.Run("Invalid params fail", func(t *testing.T) {
		_, err := DefaultCatalog().Resolve([]Spec{{Name: "max-body-size", Params: map[string]string{"bytes": "lots"}}})
		assert.Error(t, err)

		_, err = DefaultCatalog().Resolve([]Spec{{Name: "drop-header", Params: map[string]string{"header": "x", "direction": "sideways"}}})
		assert.Error(t, err)
	})

	t.Run("Lists built-in names", func(t *testing.T) {
		assert.Equal(t, []string{"drop-header", "max-body-size", "require-header", "set-headers", "strip-headers"}, DefaultCatalog().Names())
	})
}
