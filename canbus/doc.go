// Package canbus provides the transport layer of candiag: a classical CAN
// Frame value, hex helpers, and the Driver variants that talk to hardware.
//
// It includes:
//   - A Frame type with validation, hex rendering and can_frame marshaling
//   - Driver variants: Linux SocketCAN (golang.org/x/sys/unix), Intrepid
//     and Kvaser vendor libraries (Windows DLLs), and an in-memory loopback
//   - CaptureBackend, which turns any Driver into a Backend with one capture
//     goroutine feeding a bounded drop-oldest RxQueue
//   - A slog decorator for drivers and composable frame filters
package canbus
