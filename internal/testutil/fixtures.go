package testutil

import (
	"github.com/gcdistribution/portal/internal/config"
)

// Sample user written by SetupConfigDir.
const (
	TestUsername = "ops"
	TestEmail    = "ops@example.com"
	TestPassword = "test-password-123"
	TestRole     = "super_admin"
)

// SampleCSV provides a two-row voucher upload.
const SampleCSV = `voucher_code,pin,amount,validity
V1,1111,100,2026-12-31
V2,2222,200,2026-12-31
`

// UploaderScript behaves like the voucher uploader when run by /bin/sh with
// the worker arguments: it records them in args.txt inside the workspace,
// reports progress for two rows and prints a summary carrying the run's
// batch id.
const UploaderScript = `
printf '%s|%s|%s|%s|%s' "$1" "$2" "$3" "$4" "$5" > "$4/args.txt"
echo "Preparing to upload 2 vouchers"
echo "PROGRESS:1:2:50"
echo "PROGRESS:2:2:100"
B=$(cat "$4/procurement_batch_id.txt")
printf 'SUMMARY:{"total":2,"success":2,"failed":0,"procurementBatchID":"%s","resultCsvPath":"result.csv"}\n' "$B"
exit 0
`

// ArgsFileName is where UploaderScript records its arguments.
const ArgsFileName = "args.txt"

// SampleClients returns the clients written by SetupConfigDir.
// Returns a new slice each time to prevent test interference.
func SampleClients() []config.Client {
	return []config.Client{{Name: "Acme", OfferID: "ACME1"}}
}

// SampleEnvironments returns the worker credentials written by
// SetupConfigDir.
func SampleEnvironments() config.Environments {
	return config.Environments{
		"UAT":  {BaseURL: "https://uat.example.com", Username: "uat_offers", Password: "uat-secret"},
		"PROD": {BaseURL: "https://api.example.com", Username: "rmp_offers", Password: "prod-secret"},
	}
}
