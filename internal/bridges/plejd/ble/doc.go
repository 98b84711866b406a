// Package ble implements the plejd.Transport collaborator on
// tinygo.org/x/bluetooth.
//
// On Linux the adapter talks to BlueZ over D-Bus. Writes rejected with
// BlueZ's "In Progress" error are reported as plejd.ErrTransientBusy.
package ble
