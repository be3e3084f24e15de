package scheduler

import (
	"context"
	reflect "reflect"

	gomock "go.uber.org/mock/gomock"

	"github.com/dsa110/contimg-ingestd/internal/stagecontract"
)

// MockRunner is a gomock-based stagecontract.Runner double, hand-authored
// in mockgen's reflect-mode output shape, used where a test needs
// call-order/argument expectations FakeRunner doesn't express.
type MockRunner struct {
	ctrl     *gomock.Controller
	recorder *MockRunnerMockRecorder
}

type MockRunnerMockRecorder struct {
	mock *MockRunner
}

func NewMockRunner(ctrl *gomock.Controller) *MockRunner {
	m := &MockRunner{ctrl: ctrl}
	m.recorder = &MockRunnerMockRecorder{m}
	return m
}

func (m *MockRunner) EXPECT() *MockRunnerMockRecorder {
	return m.recorder
}

func (m *MockRunner) Run(ctx context.Context, in stagecontract.Input) (stagecontract.Result, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Run", ctx, in)
	res, _ := ret[0].(stagecontract.Result)
	err, _ := ret[1].(error)
	return res, err
}

func (mr *MockRunnerMockRecorder) Run(ctx, in any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Run", reflect.TypeOf((*MockRunner)(nil).Run), ctx, in)
}
