// Package candiag is the connection manager of a CAN/J1939 bus diagnostic
// tool.
//
// A Manager owns at most one open backend at a time. Connect picks the
// backend variant from the channel name (see Registry), opens it off the
// caller's goroutine and starts its capture loop; GetRxBatch drains the
// frames the loop collected; Send, SelfTest and HealthSnapshot never let a
// driver failure escape as anything but a structured result.
//
// Frames are decoded with package j1939; kernel links are configured
// beforehand with package linkup.
package candiag
