// Command vaultseal encrypts a plaintext account catalog into the sealed
// credentials file the gateway loads at startup. The sealed file is opened
// again after writing, so a catalog the gateway would reject fails here
// instead of at deploy time.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cdesk/warehouse-gateway/internal/service/vault"
)

func main() {
	in := flag.String("in", "accounts.json", "plaintext account catalog to seal")
	out := flag.String("out", "configs/accounts.enc", "sealed output path")
	iterations := flag.Int("iterations", vault.MinKDFIterations, "PBKDF2 iteration count")
	flag.Parse()

	secret := os.Getenv("VAULT_SECRET")
	if secret == "" {
		log.Fatal("VAULT_SECRET must be set")
	}

	plaintext, err := os.ReadFile(*in) // #nosec G304 -- operator-supplied path
	if err != nil {
		log.Fatal(err)
	}
	sealed, err := vault.Encrypt(plaintext, secret, *iterations)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		log.Fatal(err)
	}

	v, err := vault.Open(vault.Config{Path: *out, Secret: secret, KDFIterations: *iterations})
	if err != nil {
		log.Fatalf("sealed file does not open cleanly: %v", err)
	}
	accounts := len(v.Statuses())
	_ = v.Close()
	fmt.Printf("sealed %d accounts into %s\n", accounts, *out)
}
