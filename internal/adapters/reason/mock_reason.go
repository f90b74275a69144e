package reason

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockLogger is a hand-written gomock-style mock for Logger.
type MockLogger struct {
	ctrl     *gomock.Controller
	recorder *MockLoggerMockRecorder
}

type MockLoggerMockRecorder struct {
	mock *MockLogger
}

func NewMockLogger(ctrl *gomock.Controller) *MockLogger {
	m := &MockLogger{ctrl: ctrl}
	m.recorder = &MockLoggerMockRecorder{mock: m}
	return m
}

func (m *MockLogger) EXPECT() *MockLoggerMockRecorder {
	return m.recorder
}

func (m *MockLogger) Log(ctx context.Context, reason string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Log", ctx, reason)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockLoggerMockRecorder) Log(ctx, reason interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Log", reflect.TypeOf((*MockLogger)(nil).Log), ctx, reason)
}
