//go:build !linux

package systemdmanager

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

type ServiceManager struct{}

func NewServiceManagerContext(context.Context) (*ServiceManager, error) {
	return nil, ErrUnsupported
}

func (sm *ServiceManager) Close() error { return nil }

func (sm *ServiceManager) StartContext(context.Context, string) error   { return ErrUnsupported }
func (sm *ServiceManager) StopContext(context.Context, string) error    { return ErrUnsupported }
func (sm *ServiceManager) RestartContext(context.Context, string) error { return ErrUnsupported }

func (sm *ServiceManager) GetStatusContext(context.Context, string) (*ServiceStatus, error) {
	return nil, ErrUnsupported
}
