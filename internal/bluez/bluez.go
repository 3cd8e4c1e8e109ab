// Package bluez talks to the BlueZ daemon over the system D-Bus for what the
// portable radio driver does not expose: adapter power control and the
// property flags of discovered GATT characteristics.
package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName = "org.bluez"

	adapterIface        = "org.bluez.Adapter1"
	serviceIface        = "org.bluez.GattService1"
	characteristicIface = "org.bluez.GattCharacteristic1"

	objectManager = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Client is a connection to BlueZ scoped to one adapter.
type Client struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// Dial connects to the system bus for the named adapter, e.g. "hci0".
func Dial(adapter string) (*Client, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	return &Client{conn: conn, adapter: AdapterPath(adapter)}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// AdapterPath returns the object path of a named adapter.
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath returns the object path BlueZ uses for a device under adapter.
func DevicePath(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), ":", "_"))
	return dbus.ObjectPath(string(adapter) + "/dev_" + s)
}

// Present reports whether the adapter object exists.
func (c *Client) Present() bool {
	_, err := c.conn.Object(busName, c.adapter).GetProperty(adapterIface + ".Address")
	return err == nil
}

// Powered reads the adapter's Powered property.
func (c *Client) Powered() (bool, error) {
	v, err := c.conn.Object(busName, c.adapter).GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("bluez: read Powered: %w", err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Powered has type %s", v.Signature())
	}
	return on, nil
}

// SetPowered writes the adapter's Powered property.
func (c *Client) SetPowered(on bool) error {
	if err := c.conn.Object(busName, c.adapter).SetProperty(adapterIface+".Powered", dbus.MakeVariant(on)); err != nil {
		return fmt.Errorf("bluez: set Powered=%v: %w", on, err)
	}
	return nil
}

// CharKey identifies a characteristic by its service and own UUID, both
// lower-case canonical strings.
type CharKey struct {
	Service        string
	Characteristic string
}

// CharacteristicFlags returns the BlueZ flag strings ("read", "notify", ...)
// of every characteristic resolved on the device.
func (c *Client) CharacteristicFlags(mac string) (map[CharKey][]string, error) {
	var objs managedObjects
	if err := c.conn.Object(busName, "/").Call(objectManager, 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: get managed objects: %w", err)
	}
	return collectFlags(objs, DevicePath(c.adapter, mac)), nil
}

// collectFlags walks the object tree below dev and pairs every
// characteristic with the UUID of its parent service.
func collectFlags(objs managedObjects, dev dbus.ObjectPath) map[CharKey][]string {
	prefix := string(dev) + "/"

	services := make(map[dbus.ObjectPath]string)
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if props, ok := ifaces[serviceIface]; ok {
			services[path] = stringProp(props, "UUID")
		}
	}

	out := make(map[CharKey][]string)
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[characteristicIface]
		if !ok {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		svc, ok := services[svcPath]
		if !ok {
			continue
		}
		flags, _ := props["Flags"].Value().([]string)
		key := CharKey{
			Service:        strings.ToLower(svc),
			Characteristic: strings.ToLower(stringProp(props, "UUID")),
		}
		out[key] = flags
	}
	return out
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
