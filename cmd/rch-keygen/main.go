// rch-keygen generates an Ed25519 signing keypair for a worker's
// artifact attestations (spec.md §4.K).
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/paulrobinshaw/rch-xcode/internal/cli"
)

var outPath string

var root = &cobra.Command{
	Use:   "rch-keygen",
	Short: "Generate an Ed25519 worker attestation signing key",
	RunE:  runKeygen,
}

func init() {
	root.Flags().StringVar(&outPath, "out", "", "path to write the private key (required)")
	root.MarkFlagRequired("out")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outPath, priv, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPath := outPath + ".pub"
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	cmd.Printf("wrote %s and %s\nfingerprint: %s\n", outPath, pubPath, hex.EncodeToString(pub[:8]))
	return nil
}

func main() {
	cli.Execute(root)
}
