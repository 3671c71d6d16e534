// Code generated in the style of mockgen for migration.HypervisorClient.
// Hand-maintained to match that interface exactly.

package migration

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/horcrux/vmcore/internal/hypervisor"
)

// MockHypervisorClient is a mock of HypervisorClient.
type MockHypervisorClient struct {
	ctrl     *gomock.Controller
	recorder *MockHypervisorClientMockRecorder
}

// MockHypervisorClientMockRecorder is the mock recorder for MockHypervisorClient.
type MockHypervisorClientMockRecorder struct {
	mock *MockHypervisorClient
}

// NewMockHypervisorClient creates a new mock instance.
func NewMockHypervisorClient(ctrl *gomock.Controller) *MockHypervisorClient {
	mock := &MockHypervisorClient{ctrl: ctrl}
	mock.recorder = &MockHypervisorClientMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockHypervisorClient) EXPECT() *MockHypervisorClientMockRecorder {
	return m.recorder
}

// Migrate mocks base method.
func (m *MockHypervisorClient) Migrate(ctx context.Context, targetURI string, opts hypervisor.MigrateOptions) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Migrate", ctx, targetURI, opts)
	ret0, _ := ret[0].(error)
	return ret0
}

// Migrate indicates an expected call of Migrate.
func (mr *MockHypervisorClientMockRecorder) Migrate(ctx, targetURI, opts any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Migrate", reflect.TypeOf((*MockHypervisorClient)(nil).Migrate), ctx, targetURI, opts)
}

// QueryMigrateProgress mocks base method.
func (m *MockHypervisorClient) QueryMigrateProgress(ctx context.Context) (hypervisor.MigrateProgress, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "QueryMigrateProgress", ctx)
	ret0, _ := ret[0].(hypervisor.MigrateProgress)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// QueryMigrateProgress indicates an expected call of QueryMigrateProgress.
func (mr *MockHypervisorClientMockRecorder) QueryMigrateProgress(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "QueryMigrateProgress", reflect.TypeOf((*MockHypervisorClient)(nil).QueryMigrateProgress), ctx)
}

// AbortMigrate mocks base method.
func (m *MockHypervisorClient) AbortMigrate(ctx context.Context) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AbortMigrate", ctx)
	ret0, _ := ret[0].(error)
	return ret0
}

// AbortMigrate indicates an expected call of AbortMigrate.
func (mr *MockHypervisorClientMockRecorder) AbortMigrate(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AbortMigrate", reflect.TypeOf((*MockHypervisorClient)(nil).AbortMigrate), ctx)
}
