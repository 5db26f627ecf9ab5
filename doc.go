// Package clamav holds the types shared by the clamd scanning gateway: the
// canonical ScanResult, the quarantine record persisted next to infected
// artifacts, and the typed errors returned by the protocol client.
//
// The scanning logic lives in sub-packages:
//
//   - github.com/DevHatRo/clamav-gateway-go/clamd speaks the clamd socket protocol.
//   - github.com/DevHatRo/clamav-gateway-go/gateway applies enablement, size,
//     cache, availability and quarantine policy around it.
//
// # Quick Start
//
//	gw, err := gateway.New(gateway.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result := gw.ScanFile(ctx, "/uploads/report.pdf")
//	fmt.Printf("Status: %s, Infected: %v\n", result.Status, result.IsInfected())
package clamav
