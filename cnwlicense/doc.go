// Package cnwlicense is the Go client for the CNW License Server.
//
// Install with:
//
//	go get github.com/CloudNativeWorks/cnw-license-server/cnwlicense
//
// It supports two modes of license validation:
//
//   - Online validation and activation via the server's HTTP API
//   - Offline verification of the Ed25519-signed certificate the server
//     returns on activation
//
// # Quick Start
//
//	fp, _ := cnwlicense.GenerateFingerprint()
//	client := cnwlicense.NewOnlineClient("https://license.example.com", "",
//	    cnwlicense.WithFingerprint(fp))
//	act, err := client.Activate(ctx, cnwlicense.ActivateRequest{
//	    LicenseKey: "ABCD-EFGH-JKLM-NPQR",
//	    SystemInfo: cnwlicense.SystemInfo(),
//	})
//
// # Offline (Air-gapped)
//
// Keep the certificate from the activation response and verify it when the
// server cannot be reached:
//
//	v := cnwlicense.NewOfflineValidator(
//	    cnwlicense.WithTrustedPublicKey(pubKeyBase64),
//	    cnwlicense.WithMachineFingerprint(fp),
//	)
//	claims, err := v.VerifyFile("/var/lib/myapp/activation.json")
//
// Manager does both: it caches the certificate on activation and falls back
// to it when the server is unavailable.
package cnwlicense
