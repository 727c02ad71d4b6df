// Package sequencer implements client-side reliable chunk delivery: a
// bounded backpressured buffer of un-acknowledged chunks, in-order delivery
// over a transport channel, and resume-after-reconnect without renumbering.
package sequencer
