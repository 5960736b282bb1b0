package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Monitor keeps a live cache of the BlueZ object tree. The cache is primed
// from ObjectManager.GetManagedObjects and kept current by InterfacesAdded,
// InterfacesRemoved and PropertiesChanged signals, so RSSI-only updates are
// visible even though BlueZ never emits device callbacks for them.
type Monitor struct {
	conn   *dbus.Conn
	logger *logrus.Logger

	// props maps object path -> interface name -> property map. Entries are
	// replaced wholesale on update, never mutated in place, so snapshots
	// handed to readers stay valid.
	props *hashmap.Map[string, map[string]map[string]dbus.Variant]

	signals chan *dbus.Signal

	closeOnce sync.Once
	done      chan struct{}
}

var signalMatchOptions = [][]dbus.MatchOption{
	{dbus.WithMatchInterface(objectManagerInterface), dbus.WithMatchMember("InterfacesAdded")},
	{dbus.WithMatchInterface(objectManagerInterface), dbus.WithMatchMember("InterfacesRemoved")},
	{dbus.WithMatchInterface(propertiesInterface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchSender(Service)},
}

// NewMonitor connects to the system bus, primes the property cache and
// starts tracking changes.
func NewMonitor(logger *logrus.Logger) (*Monitor, error) {
	if logger == nil {
		logger = logrus.New()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	m := &Monitor{
		conn:    conn,
		logger:  logger,
		props:   hashmap.New[string, map[string]map[string]dbus.Variant](),
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}

	for _, opts := range signalMatchOptions {
		if err := conn.AddMatchSignal(opts...); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bluez: add match signal: %w", err)
		}
	}
	conn.Signal(m.signals)

	if err := m.prime(); err != nil {
		conn.Close()
		return nil, err
	}

	go m.run()
	return m, nil
}

// prime loads the full object tree once; signals keep it current afterwards.
func (m *Monitor) prime() error {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := m.conn.Object(Service, dbus.ObjectPath("/"))
	if call := obj.Call(objectManagerInterface+".GetManagedObjects", 0); call.Err != nil {
		return fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	for path, ifaces := range objs {
		m.props.Set(string(path), ifaces)
	}
	return nil
}

func (m *Monitor) run() {
	for {
		select {
		case <-m.done:
			return
		case sig := <-m.signals:
			if sig == nil {
				return
			}
			m.handleSignal(sig)
		}
	}
}

func (m *Monitor) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case objectManagerInterface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		added, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if path == "" || added == nil {
			return
		}
		existing, _ := m.props.Get(string(path))
		merged := make(map[string]map[string]dbus.Variant, len(existing)+len(added))
		for iface, props := range existing {
			merged[iface] = props
		}
		for iface, props := range added {
			merged[iface] = props
		}
		m.props.Set(string(path), merged)

	case objectManagerInterface + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		removed, _ := sig.Body[1].([]string)
		existing, ok := m.props.Get(string(path))
		if !ok {
			return
		}
		remaining := make(map[string]map[string]dbus.Variant, len(existing))
		for iface, props := range existing {
			remaining[iface] = props
		}
		for _, iface := range removed {
			delete(remaining, iface)
		}
		if len(remaining) == 0 {
			m.props.Del(string(path))
			return
		}
		m.props.Set(string(path), remaining)

	case propertiesInterface + ".PropertiesChanged":
		if len(sig.Body) < 3 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		invalidated, _ := sig.Body[2].([]string)
		if iface == "" {
			return
		}
		existing, ok := m.props.Get(string(sig.Path))
		if !ok {
			return
		}
		old := existing[iface]
		next := make(map[string]dbus.Variant, len(old)+len(changed))
		for k, v := range old {
			next[k] = v
		}
		for k, v := range changed {
			next[k] = v
		}
		for _, k := range invalidated {
			delete(next, k)
		}
		merged := make(map[string]map[string]dbus.Variant, len(existing))
		for name, props := range existing {
			merged[name] = props
		}
		merged[iface] = next
		m.props.Set(string(sig.Path), merged)
	}
}

// Properties returns a snapshot of the cached object tree. The per-interface
// maps are shared with the cache and must be treated as read-only.
func (m *Monitor) Properties(_ context.Context) (Properties, error) {
	snapshot := make(Properties, m.props.Len())
	m.props.Range(func(path string, ifaces map[string]map[string]dbus.Variant) bool {
		snapshot[path] = ifaces
		return true
	})
	return snapshot, nil
}

// DisconnectDevice asks BlueZ to drop the connection to the device at path.
func (m *Monitor) DisconnectDevice(ctx context.Context, path string) error {
	obj := m.conn.Object(Service, dbus.ObjectPath(path))
	if call := obj.CallWithContext(ctx, DeviceInterface+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", path, call.Err)
	}
	return nil
}

// Close stops signal tracking and releases the bus connection. Safe to call
// more than once.
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.RemoveSignal(m.signals)
		err = m.conn.Close()
	})
	return err
}
