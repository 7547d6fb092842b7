package layers

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
)

type MockMounts struct {
	mock.Mock
}

func (m *MockMounts) Tmpfs(ctx context.Context, name, target string) error {
	return m.Called(name, target).Error(0)
}

func (m *MockMounts) Combined(ctx context.Context, fsType, target, upper, work string, lowers []string) error {
	return m.Called(fsType, target, upper, work, lowers).Error(0)
}

func (m *MockMounts) Remount(ctx context.Context, target, opts string) error {
	return m.Called(target, opts).Error(0)
}

func (m *MockMounts) Unmount(ctx context.Context, target string) error {
	return m.Called(target).Error(0)
}

type MockFinder struct {
	mock.Mock
}

func (m *MockFinder) Lookup(name string) (*sfs.Package, error) {
	args := m.Called(name)
	if p := args.Get(0); p != nil {
		return p.(*sfs.Package), args.Error(1)
	}
	return nil, args.Error(1)
}
