// Invites sync and settlement daemon.
//
// Usage:
//
//	invitesd [--ledger=ws://...] [--wallet]   Run node
//	invitesd --help                          Show help
//
// With the wallet enabled the keystore password is read from
// INVITES_WALLET_PASSWORD, or prompted for on the terminal.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-invites/config"
	"github.com/Klingon-tech/klingnet-invites/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var opts node.Options
	if cfg.Wallet.Enabled {
		opts.WalletPassword, err = walletPassword()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read wallet password: %v\n", err)
			os.Exit(1)
		}
	}

	n, err := node.New(cfg, opts)
	clear(opts.WalletPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}

func walletPassword() ([]byte, error) {
	if pw, ok := os.LookupEnv("INVITES_WALLET_PASSWORD"); ok {
		return []byte(pw), nil
	}
	fmt.Fprint(os.Stderr, "Wallet password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	return pw, err
}
