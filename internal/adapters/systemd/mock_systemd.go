package systemd

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockClient is a hand-written gomock-style mock for Client, matching the
// shape mockgen would produce for pkg/executer.MockExecuter.
type MockClient struct {
	ctrl     *gomock.Controller
	recorder *MockClientMockRecorder
}

type MockClientMockRecorder struct {
	mock *MockClient
}

func NewMockClient(ctrl *gomock.Controller) *MockClient {
	m := &MockClient{ctrl: ctrl}
	m.recorder = &MockClientMockRecorder{mock: m}
	return m
}

func (m *MockClient) EXPECT() *MockClientMockRecorder {
	return m.recorder
}

func (m *MockClient) IsSystemRunning(ctx context.Context) (string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "IsSystemRunning", ctx)
	ret0, _ := ret[0].(string)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockClientMockRecorder) IsSystemRunning(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "IsSystemRunning", reflect.TypeOf((*MockClient)(nil).IsSystemRunning), ctx)
}

func (m *MockClient) UnitActiveState(ctx context.Context, unit string) (string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "UnitActiveState", ctx, unit)
	ret0, _ := ret[0].(string)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockClientMockRecorder) UnitActiveState(ctx, unit interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "UnitActiveState", reflect.TypeOf((*MockClient)(nil).UnitActiveState), ctx, unit)
}

func (m *MockClient) StartUnit(ctx context.Context, unit string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "StartUnit", ctx, unit)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockClientMockRecorder) StartUnit(ctx, unit interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "StartUnit", reflect.TypeOf((*MockClient)(nil).StartUnit), ctx, unit)
}

func (m *MockClient) Reboot(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Reboot", ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockClientMockRecorder) Reboot(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Reboot", reflect.TypeOf((*MockClient)(nil).Reboot), ctx)
}

func (m *MockClient) Close() {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "Close")
}

func (mr *MockClientMockRecorder) Close() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Close", reflect.TypeOf((*MockClient)(nil).Close))
}
