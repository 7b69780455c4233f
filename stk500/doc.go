// Package stk500 implements the STK500v1 bootloader protocol (the Optiboot
// subset) over byte transports that offer no native read timeout or
// cancellation, such as Bluetooth serial sockets.
//
// The package has two cooperating parts:
//
//   - [AsyncReader]: a state-machine service, advanced by a dedicated worker
//     goroutine, that turns the transport's uninterruptible blocking reads
//     into a "read one byte within a deadline" operation with explicit
//     timeout and end-of-stream signaling.
//
//   - [Session]: the command/response engine built on the reader. It frames
//     commands, validates responses, recovers from timeouts by flooding
//     synchronization requests, and drives the full programming workflow:
//     connect, enter program mode, erase, write and verify pages, leave
//     program mode.
//
// Programming is started with [Session.Program] (blocking; run it in its own
// goroutine if the caller needs to stay responsive) and monitored through
// [Session.State] and [Session.Progress].
package stk500
