//go:build linux

package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

var ErrClosed = errors.New("systemdmanager: connection is closed")

// ServiceManager drives units over one system bus connection.
type ServiceManager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// NewServiceManagerContext connects to the system bus. If ctx is nil,
// context.Background() is used.
func NewServiceManagerContext(ctx context.Context) (*ServiceManager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &ServiceManager{conn: conn}, nil
}

func (sm *ServiceManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.conn != nil {
		sm.conn.Close()
		sm.conn = nil
	}
	return nil
}

func (sm *ServiceManager) StartContext(ctx context.Context, unit string) error {
	return sm.runJob(ctx, "start", unit, (*dbus.Conn).StartUnitContext)
}

func (sm *ServiceManager) StopContext(ctx context.Context, unit string) error {
	return sm.runJob(ctx, "stop", unit, (*dbus.Conn).StopUnitContext)
}

func (sm *ServiceManager) RestartContext(ctx context.Context, unit string) error {
	return sm.runJob(ctx, "restart", unit, (*dbus.Conn).RestartUnitContext)
}

type jobFunc func(c *dbus.Conn, ctx context.Context, name, mode string, ch chan<- string) (int, error)

// runJob queues a unit job in "replace" mode and waits for systemd to report
// its result, or for ctx to end.
func (sm *ServiceManager) runJob(ctx context.Context, action, unit string, fn jobFunc) error {
	sm.mu.RLock()
	conn := sm.conn
	sm.mu.RUnlock()
	if conn == nil {
		return ErrClosed
	}
	name := UnitName(unit)
	if name == "" {
		return fmt.Errorf("%s: empty unit name", action)
	}

	done := make(chan string, 1)
	if _, err := fn(conn, ctx, name, "replace", done); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, name, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return &JobError{Action: action, Unit: name, Result: res}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: waiting for job: %w", action, name, ctx.Err())
	}
}

// GetStatusContext reports the unit's current state. A unit systemd does not
// know is returned with LoadState "not-found" and no error.
func (sm *ServiceManager) GetStatusContext(ctx context.Context, unit string) (*ServiceStatus, error) {
	sm.mu.RLock()
	conn := sm.conn
	sm.mu.RUnlock()
	if conn == nil {
		return nil, ErrClosed
	}
	name := UnitName(unit)

	units, err := conn.ListUnitsByNamesContext(ctx, []string{name})
	if err == nil && len(units) > 0 {
		u := units[0]
		st := &ServiceStatus{
			Name:        name,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if st.Found() {
			if props, perr := conn.GetUnitPropertiesContext(ctx, name); perr == nil {
				st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
				st.StateChange = parseTimestamp(props, "StateChangeTimestamp")
			}
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return &ServiceStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", name, err)
	}
	return &ServiceStatus{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}, nil
}

// systemd timestamps are microseconds since the Unix epoch.
func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts)).UTC()
	}
	return time.Time{}
}

func stringProp(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}
