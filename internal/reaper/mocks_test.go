package reaper

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/mountinfo"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
)

// MockContainers mocks the Containers interface.
type MockContainers struct {
	mock.Mock
}

func (m *MockContainers) List(ctx context.Context) ([]runtime.ContainerInfo, error) {
	args := m.Called(ctx)
	if list := args.Get(0); list != nil {
		return list.([]runtime.ContainerInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockContainers) Remove(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockMounts mocks the Mounts interface.
type MockMounts struct {
	mock.Mock
}

func (m *MockMounts) Table() (mountinfo.Table, error) {
	args := m.Called()
	if t := args.Get(0); t != nil {
		return t.(mountinfo.Table), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMounts) Unmount(ctx context.Context, target string) error {
	args := m.Called(ctx, target)
	return args.Error(0)
}
