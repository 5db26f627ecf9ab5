// Package gateway decides what happens to content submitted for malware
// scanning.
//
// A Gateway combines the clamd client, the result cache and the quarantine
// store. Scan calls never return errors: every failure, whether transport,
// filesystem or protocol, ends in one of the five clamav statuses with an
// explanatory ErrorDetail.
//
// Create one Gateway at startup and share it:
//
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	result := gw.ScanFile(ctx, "/uploads/report.pdf")
//	if !result.Allowed() {
//		// reject the upload
//	}
package gateway
