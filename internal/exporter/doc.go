// Package exporter writes the license ledger for administrators.
//
// The ledger lists every license record with its customer, hostel, dates and
// status. Machine binding hashes and salts are never exported; a record only
// shows whether it is bound.
//
// Two formats are supported:
//
//	XLSX: one "Licenses" sheet with a styled header row and a frozen pane
//	CSV:  UTF-8 with a BOM so Excel opens it with the right encoding
//
// Example usage:
//
//	recs, _ := engine.List(ctx, "")
//	err := exporter.NewLedger(time.Now).WriteXLSX(w, recs)
package exporter
