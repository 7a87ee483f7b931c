package notify

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	dbusPath      = dbus.ObjectPath("/io/sentryd/Monitor")
	dbusInterface = "io.sentryd.Monitor"
	dbusName      = "io.sentryd.Monitor"
)

// DBus emits incident signals on the session bus so local supervisors can
// react without polling the store.
type DBus struct {
	conn *dbus.Conn
}

// NewDBus connects to the session bus and claims the monitor name.
func NewDBus() (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: connect session bus: %w", err)
	}

	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("notify: name %s already owned", dbusName)
	}
	return &DBus{conn: conn}, nil
}

// Incident emits one Incident signal.
func (d *DBus) Incident(ev Event) error {
	err := d.conn.Emit(dbusPath, dbusInterface+".Incident",
		ev.Timestamp.UnixNano(),
		ev.FromState,
		ev.ToState,
		ev.Kind,
		ev.Severity,
		ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("notify: emit incident: %w", err)
	}
	return nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	return d.conn.Close()
}

var _ Notifier = (*DBus)(nil)
