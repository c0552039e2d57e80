package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Maphikza/btc-payment-hub.git/internal/config"
	"github.com/Maphikza/btc-payment-hub.git/internal/ledger"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
	"github.com/Maphikza/btc-payment-hub.git/internal/seal"
)

var makeOwnerKeyCmd = &cobra.Command{
	Use:   "make-owner-key",
	Short: "Generate the owner key and seal it to the owner key file",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := viper.GetString("owner_key_file")
		if _, err := os.Stat(path); err == nil && !force {
			fmt.Fprintf(os.Stderr, "Owner key already exists at %s (use --force to replace it)\n", path)
			os.Exit(1)
		}

		params, err := config.HubParams()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		passphrase, err := readPassphrase()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		state := ledger.New(params)
		addr, err := state.MakeOwnerKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := writeOwnerKey(path, state.OwnerKey(), passphrase); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Owner key sealed to %s\nOwner address: %s\n", path, addr)
	},
}

func init() {
	makeOwnerKeyCmd.Flags().Bool("force", false, "Replace an existing owner key file")
}

// readPassphrase prefers the configured environment variable and falls back to
// prompting on the terminal.
func readPassphrase() (string, error) {
	if p := config.SealPassphrase(); p != "" {
		return p, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no passphrase in $%s and stdin is not a terminal", viper.GetString("seal_passphrase_env"))
	}
	fmt.Print("Enter seal passphrase: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Print("Confirm seal passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	if strings.TrimSpace(string(first)) == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	return string(first), nil
}

func writeOwnerKey(path, wif, passphrase string) error {
	sealed, err := seal.Seal([]byte(wif), passphrase)
	if err != nil {
		return fmt.Errorf("failed to seal owner key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create owner key directory: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write owner key: %w", err)
	}
	return nil
}

// installOwnerKey loads the sealed owner key into state, generating and
// sealing a new one when the file does not exist yet.
func installOwnerKey(state *ledger.State, path, passphrase string) (string, error) {
	sealed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		addr, err := state.MakeOwnerKey()
		if err != nil {
			return "", err
		}
		if err := writeOwnerKey(path, state.OwnerKey(), passphrase); err != nil {
			return "", err
		}
		logger.Warn("generated a new owner key", "path", path, "address", addr)
		return addr, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read owner key: %w", err)
	}
	wif, err := seal.Unseal(sealed, passphrase)
	if err != nil {
		return "", fmt.Errorf("failed to unseal owner key: %w", err)
	}
	return state.LoadOwnerKey(string(wif))
}
