// Package clamd implements the clamd socket protocol used by the gateway.
//
// Every call opens its own TCP or Unix-domain connection; there is no
// pooling. Two scan commands are supported:
//
//	SCAN <absolute-path>\n
//	nINSTREAM\n [uint32 BE length][payload] ... [uint32 BE 0]
//
// The daemon reply is collected until end-of-stream and classified by
// ParseResponse.
//
// # Quick Start
//
//	client, err := clamd.NewClient("tcp", "127.0.0.1:3310")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	verdict, err := client.ScanBytes(ctx, data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Verdict: %s %s\n", verdict.Kind, verdict.VirusName)
package clamd
