package bootloaderenv

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockEnv is a hand-written gomock-style mock for Env.
type MockEnv struct {
	ctrl     *gomock.Controller
	recorder *MockEnvMockRecorder
}

type MockEnvMockRecorder struct {
	mock *MockEnv
}

func NewMockEnv(ctrl *gomock.Controller) *MockEnv {
	m := &MockEnv{ctrl: ctrl}
	m.recorder = &MockEnvMockRecorder{mock: m}
	return m
}

func (m *MockEnv) EXPECT() *MockEnvMockRecorder {
	return m.recorder
}

func (m *MockEnv) Get(ctx context.Context, key string) (string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", ctx, key)
	ret0, _ := ret[0].(string)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockEnvMockRecorder) Get(ctx, key interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockEnv)(nil).Get), ctx, key)
}

func (m *MockEnv) Set(ctx context.Context, key, value string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Set", ctx, key, value)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockEnvMockRecorder) Set(ctx, key, value interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Set", reflect.TypeOf((*MockEnv)(nil).Set), ctx, key, value)
}
