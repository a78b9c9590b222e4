package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/quorum/internal/credential"
)

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 credential signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := credential.GenerateKey()
			if err != nil {
				return err
			}
			pub := priv.Public().(ed25519.PublicKey)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "QUORUM_CREDENTIAL_KEY=%s\n", hex.EncodeToString(priv.Seed()))
			fmt.Fprintf(out, "QUORUM_CREDENTIAL_PUBLIC_KEY=%s\n", hex.EncodeToString(pub))
			fmt.Fprintf(out, "# key id %s\n", credential.KeyID(pub))
			return nil
		},
	}
}
