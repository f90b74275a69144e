package fwupdate

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockAgent is a hand-written gomock-style mock for Agent.
type MockAgent struct {
	ctrl     *gomock.Controller
	recorder *MockAgentMockRecorder
}

type MockAgentMockRecorder struct {
	mock *MockAgent
}

func NewMockAgent(ctrl *gomock.Controller) *MockAgent {
	m := &MockAgent{ctrl: ctrl}
	m.recorder = &MockAgentMockRecorder{mock: m}
	return m
}

func (m *MockAgent) EXPECT() *MockAgentMockRecorder {
	return m.recorder
}

func (m *MockAgent) Load(ctx context.Context, updateFilePath string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Load", ctx, updateFilePath)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAgentMockRecorder) Load(ctx, updateFilePath interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Load", reflect.TypeOf((*MockAgent)(nil).Load), ctx, updateFilePath)
}

func (m *MockAgent) Run(ctx context.Context, validateIoTHubConnection bool) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Run", ctx, validateIoTHubConnection)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockAgentMockRecorder) Run(ctx, validateIoTHubConnection interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Run", reflect.TypeOf((*MockAgent)(nil).Run), ctx, validateIoTHubConnection)
}
