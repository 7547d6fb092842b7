package source

import (
	"context"
	"strings"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/stretchr/testify/mock"
)

// MockRunner mocks command.Runner, keyed by the joined argument list.
type MockRunner struct {
	mock.Mock
	cmds []command.Cmd
}

func (m *MockRunner) Run(ctx context.Context, cmd command.Cmd) (*command.Result, error) {
	m.cmds = append(m.cmds, cmd)
	args := m.Called(strings.Join(cmd.Args, " "))
	if res := args.Get(0); res != nil {
		return res.(*command.Result), args.Error(1)
	}
	return nil, args.Error(1)
}
