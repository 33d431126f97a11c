// Package rules implements the rule store for decisiond.
//
// A rule maps a condition over context attributes to an action descriptor,
// carries a confidence score in [0,1], and moves through a lifecycle of
// proposed, active, decaying, and retired states. All mutations go through
// Store methods under a single-writer discipline; concurrent readers observe
// only committed state. Every mutation appends a change record so the rule
// set's evolution is auditable.
package rules
