package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/hybridca/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag

		Serve       commands.ServeCmd       `cmd:"" help:"Run the revocation status API and background CRL jobs"`
		InitCA      commands.InitCACmd      `cmd:"" name:"init-ca" help:"Create a self-signed certificate authority"`
		Issue       commands.IssueCmd       `cmd:"" help:"Apply for a certificate"`
		Revoke      commands.RevokeCmd      `cmd:"" help:"Revoke certificates"`
		IssueCRL    commands.IssueCRLCmd    `cmd:"" name:"issue-crl" help:"Issue and publish a CRL"`
		ScanExpiry  commands.ScanExpiryCmd  `cmd:"" name:"scan-expiry" help:"Expire due certificates and emit renewal notices"`
		PolicyCheck commands.PolicyCheckCmd `cmd:"" name:"policy-check" help:"Evaluate a request against the enabled policy"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("hybridca"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
