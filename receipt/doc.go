// Package receipt maintains signed work order receipts. Receipts are created
// by requesters; the worker appends signed PROCESSED or FAILED updates as
// executions finish, and a COMPLETED update freezes the log for good.
package receipt
