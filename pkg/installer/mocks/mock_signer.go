// Package mocks holds testify mocks for the installer interfaces, written
// in the EXPECT style used across the module's tests.
package mocks

import (
	"context"

	"github.com/plume-impactor/impactor/pkg/bundle"
	"github.com/plume-impactor/impactor/pkg/device"
	"github.com/plume-impactor/impactor/pkg/installer"
	"github.com/plume-impactor/impactor/pkg/instproxy"
	"github.com/stretchr/testify/mock"
)

// MockSigner is a mock of installer.Signer.
type MockSigner struct {
	mock.Mock
}

type MockSigner_Expecter struct {
	mock *mock.Mock
}

func (_m *MockSigner) EXPECT() *MockSigner_Expecter {
	return &MockSigner_Expecter{mock: &_m.Mock}
}

// Sign provides a mock function.
func (_m *MockSigner) Sign(ctx context.Context, req installer.SignRequest) (string, error) {
	ret := _m.Called(ctx, req)
	if rf, ok := ret.Get(0).(func(context.Context, installer.SignRequest) (string, error)); ok {
		return rf(ctx, req)
	}
	return ret.String(0), ret.Error(1)
}

type MockSigner_Sign_Call struct {
	*mock.Call
}

func (_e *MockSigner_Expecter) Sign(ctx interface{}, req interface{}) *MockSigner_Sign_Call {
	return &MockSigner_Sign_Call{Call: _e.mock.On("Sign", ctx, req)}
}

func (_c *MockSigner_Sign_Call) Return(path string, err error) *MockSigner_Sign_Call {
	_c.Call.Return(path, err)
	return _c
}

func (_c *MockSigner_Sign_Call) RunAndReturn(run func(context.Context, installer.SignRequest) (string, error)) *MockSigner_Sign_Call {
	_c.Call.Return(run)
	return _c
}

// NewMockSigner creates a MockSigner whose expectations are asserted when
// the test ends.
func NewMockSigner(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockSigner {
	m := &MockSigner{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockProvisioner is a mock of installer.Provisioner.
type MockProvisioner struct {
	mock.Mock
}

type MockProvisioner_Expecter struct {
	mock *mock.Mock
}

func (_m *MockProvisioner) EXPECT() *MockProvisioner_Expecter {
	return &MockProvisioner_Expecter{mock: &_m.Mock}
}

// Provision provides a mock function.
func (_m *MockProvisioner) Provision(ctx context.Context, pkg *bundle.Package, dev device.Device) (*installer.Provisioning, error) {
	ret := _m.Called(ctx, pkg, dev)
	var p *installer.Provisioning
	if v := ret.Get(0); v != nil {
		p = v.(*installer.Provisioning)
	}
	return p, ret.Error(1)
}

type MockProvisioner_Provision_Call struct {
	*mock.Call
}

func (_e *MockProvisioner_Expecter) Provision(ctx interface{}, pkg interface{}, dev interface{}) *MockProvisioner_Provision_Call {
	return &MockProvisioner_Provision_Call{Call: _e.mock.On("Provision", ctx, pkg, dev)}
}

func (_c *MockProvisioner_Provision_Call) Return(p *installer.Provisioning, err error) *MockProvisioner_Provision_Call {
	_c.Call.Return(p, err)
	return _c
}

// NewMockProvisioner creates a MockProvisioner.
func NewMockProvisioner(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockProvisioner {
	m := &MockProvisioner{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockDeviceInstaller is a mock of installer.DeviceInstaller.
type MockDeviceInstaller struct {
	mock.Mock
}

type MockDeviceInstaller_Expecter struct {
	mock *mock.Mock
}

func (_m *MockDeviceInstaller) EXPECT() *MockDeviceInstaller_Expecter {
	return &MockDeviceInstaller_Expecter{mock: &_m.Mock}
}

// InstallPackage provides a mock function.
func (_m *MockDeviceInstaller) InstallPackage(ctx context.Context, dev device.Device, localPath string, progress instproxy.Progress) error {
	ret := _m.Called(ctx, dev, localPath, progress)
	if rf, ok := ret.Get(0).(func(context.Context, device.Device, string, instproxy.Progress) error); ok {
		return rf(ctx, dev, localPath, progress)
	}
	return ret.Error(0)
}

type MockDeviceInstaller_InstallPackage_Call struct {
	*mock.Call
}

func (_e *MockDeviceInstaller_Expecter) InstallPackage(ctx interface{}, dev interface{}, localPath interface{}, progress interface{}) *MockDeviceInstaller_InstallPackage_Call {
	return &MockDeviceInstaller_InstallPackage_Call{Call: _e.mock.On("InstallPackage", ctx, dev, localPath, progress)}
}

func (_c *MockDeviceInstaller_InstallPackage_Call) Return(err error) *MockDeviceInstaller_InstallPackage_Call {
	_c.Call.Return(err)
	return _c
}

func (_c *MockDeviceInstaller_InstallPackage_Call) RunAndReturn(run func(context.Context, device.Device, string, instproxy.Progress) error) *MockDeviceInstaller_InstallPackage_Call {
	_c.Call.Return(run)
	return _c
}

// NewMockDeviceInstaller creates a MockDeviceInstaller.
func NewMockDeviceInstaller(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockDeviceInstaller {
	m := &MockDeviceInstaller{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var (
	_ installer.Signer          = (*MockSigner)(nil)
	_ installer.Provisioner     = (*MockProvisioner)(nil)
	_ installer.DeviceInstaller = (*MockDeviceInstaller)(nil)
)
