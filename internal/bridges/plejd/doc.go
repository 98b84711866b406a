// Package plejd implements the Plejd BLE mesh bridge for Gray Logic.
//
// This package connects to a Plejd lighting mesh through one of its BLE
// gateways, decodes the mesh traffic into typed events, and sends commands
// back into the mesh. The MQTT side translates between those events and
// Gray Logic's state and command messages.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │  Plejd Bridge   │   BLE GATT
//	│      Core       │◄────────►│   (this pkg)    │◄──────────► Plejd gateway ─ mesh
//	└─────────────────┘          └─────────────────┘
//
// The engine is split into small parts:
//
//   - Transform and AuthResponse: the mesh stream cipher and challenge response
//   - ParseFrame: decrypted notification bytes to Event values
//   - Command types: TurnOn, Dim, Cover, ActivateScene, ... rendered to frames
//   - Handshake and Ping: gateway authentication and liveness
//   - Supervisor: discovery, connect, authenticate, health pings, reconnects
//   - Dispatcher: encrypted command writes with busy retry and resubmission
//   - EventBus: ordered fan-out of decoded events
//
// The BLE stack and the account service are collaborators behind the
// Transport and AccountService interfaces. The ble and cloud subpackages
// provide the production implementations.
//
// # Addresses
//
// Every mesh output has a one-byte address. Topics use the decimal form:
//
//	graylogic/state/plejd/11
//	graylogic/command/plejd/11
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Event subscribers run on the transport's notification path and must not block.
package plejd
