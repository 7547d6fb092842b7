package sandbox

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
)

// MockDriver mocks runtime.Driver. Exec writes Output and ErrOutput to
// the caller's streams before returning.
type MockDriver struct {
	mock.Mock
	Output    string
	ErrOutput string
}

func (m *MockDriver) Create(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	args := m.Called(opts)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Exec(ctx context.Context, id string, opts runtime.ExecOpts) (int, error) {
	args := m.Called(id, opts.Cmd)
	if opts.Stdout != nil && m.Output != "" {
		io.WriteString(opts.Stdout, m.Output)
	}
	if opts.Stderr != nil && m.ErrOutput != "" {
		io.WriteString(opts.Stderr, m.ErrOutput)
	}
	return args.Int(0), args.Error(1)
}

func (m *MockDriver) Remove(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockDriver) List(ctx context.Context) ([]runtime.ContainerInfo, error) {
	args := m.Called()
	if infos := args.Get(0); infos != nil {
		return infos.([]runtime.ContainerInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDriver) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockDriver) Close() error {
	return m.Called().Error(0)
}
