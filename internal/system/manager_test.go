package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	core "github.com/cafeauto/backbone/internal/core/service"
)

type mockService struct {
	name       string
	layer      core.Layer
	startCount int
	stopCount  int
	startErr   error
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) Start(context.Context) error {
	m.startCount++
	return m.startErr
}

func (m *mockService) Stop(context.Context) error {
	m.stopCount++
	return nil
}

func (m *mockService) Descriptor() core.Descriptor {
	return core.Descriptor{Name: m.name, Layer: m.layer}
}

func TestManagerStartStopOrder(t *testing.T) {
	mgr := NewManager()
	services := []*mockService{{name: "a"}, {name: "b"}, {name: "c"}}
	for _, svc := range services {
		require.NoError(t, mgr.Register(svc))
	}

	require.NoError(t, mgr.Start(context.Background()))
	require.NoError(t, mgr.Stop(context.Background()))

	for _, svc := range services {
		require.Equal(t, 1, svc.startCount)
		require.Equal(t, 1, svc.stopCount)
	}
}

func TestManagerRollbackOnStartFailure(t *testing.T) {
	mgr := NewManager()
	good := &mockService{name: "good"}
	bad := &mockService{name: "bad", startErr: errors.New("boom")}

	require.NoError(t, mgr.Register(good))
	require.NoError(t, mgr.Register(bad))

	err := mgr.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, good.stopCount)
}

func TestManagerRegisterAfterStartFails(t *testing.T) {
	mgr := NewManager()
	require.NoError(t, mgr.Register(&mockService{name: "a"}))
	require.NoError(t, mgr.Start(context.Background()))

	err := mgr.Register(&mockService{name: "late"})
	require.Error(t, err)
}

func TestManagerRegisterNilFails(t *testing.T) {
	mgr := NewManager()
	require.Error(t, mgr.Register(nil))
}

func TestManagerDescriptorsSortedByLayerThenName(t *testing.T) {
	mgr := NewManager()
	require.NoError(t, mgr.Register(&mockService{name: "z-ingress", layer: core.LayerIngress}))
	require.NoError(t, mgr.Register(&mockService{name: "a-data", layer: core.LayerData}))
	require.NoError(t, mgr.Register(&mockService{name: "a-ingress", layer: core.LayerIngress}))

	descriptors := mgr.Descriptors()
	require.Len(t, descriptors, 3)
	require.Equal(t, "a-data", descriptors[0].Name)
	require.Equal(t, "a-ingress", descriptors[1].Name)
	require.Equal(t, "z-ingress", descriptors[2].Name)
}

func TestManagerStopIsIdempotent(t *testing.T) {
	mgr := NewManager()
	svc := &mockService{name: "a"}
	require.NoError(t, mgr.Register(svc))
	require.NoError(t, mgr.Start(context.Background()))

	require.NoError(t, mgr.Stop(context.Background()))
	require.NoError(t, mgr.Stop(context.Background()))
	require.Equal(t, 1, svc.stopCount)
}
