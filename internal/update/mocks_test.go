package update

import (
	"context"
	"strings"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/command"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/sfs"
	"github.com/SFSLiveBoot/LiveBootUtils/internal/source"
	"github.com/stretchr/testify/mock"
)

type MockChecker struct {
	mock.Mock
}

func (m *MockChecker) LatestStamp(ctx context.Context, p *sfs.Package) (uint32, error) {
	args := m.Called(p.Name().String())
	return args.Get(0).(uint32), args.Error(1)
}

type MockRebuilder struct {
	mock.Mock
}

func (m *MockRebuilder) Rebuild(ctx context.Context, p *sfs.Package) error {
	args := m.Called(p.Name().String())
	return args.Error(0)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) RecordReplacement(ctx context.Context, name string, res *sfs.ReplaceResult) error {
	args := m.Called(name, res.Stamp)
	return args.Error(0)
}

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

type MockRepos struct {
	mock.Mock
}

func (m *MockRepos) FetchGit(ctx context.Context, ref string) (*source.Repo, error) {
	args := m.Called(ref)
	if r := args.Get(0); r != nil {
		return r.(*source.Repo), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSource struct {
	mock.Mock
}

func (m *MockSource) FindImage(ctx context.Context, name sfs.Name) (sfs.Image, error) {
	args := m.Called(name.String())
	if img := args.Get(0); img != nil {
		return img.(sfs.Image), args.Error(1)
	}
	return nil, args.Error(1)
}
