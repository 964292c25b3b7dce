// Package device defines the contract between the ingestion core and the BLE
// radio stack.
//
// It covers:
//   - Peripheral discovery (one scan window, in discovery order)
//   - A single exclusive connection per peripheral
//   - Subscribing to one notifying characteristic and tearing it down
//   - Unexpected-disconnect reporting via Connection.Disconnected
//
// The go-ble backed implementation lives in the goble subpackage.
package device
