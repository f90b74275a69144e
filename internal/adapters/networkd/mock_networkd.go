package networkd

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockClient is a hand-written gomock-style mock for Client.
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

func (m *MockClient) Links(ctx context.Context) ([]Link, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Links", ctx)
	ret0, _ := ret[0].([]Link)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

func (mr *MockClientMockRecorder) Links(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Links", reflect.TypeOf((*MockClient)(nil).Links), ctx)
}

func (m *MockClient) Reload(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Reload", ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

func (mr *MockClientMockRecorder) Reload(ctx interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Reload", reflect.TypeOf((*MockClient)(nil).Reload), ctx)
}
