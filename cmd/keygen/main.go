// Command keygen manages the Ed25519 identity keypair a shard or hub
// process carries alongside its channel keys. The identity is not used by
// the wire handshake or by the hub and shard binaries; this tool generates,
// stores and displays it.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/quantarax/shardhub/internal/crypto"
)

const (
	identityKeyFile = "identity.key"
	identityPubFile = "identity.pub"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - shardhub identity key management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen generate [flags]  - generate a new identity keypair")
	fmt.Println("  keygen show [flags]      - display public key information")
	fmt.Println()
	fmt.Println("Run 'keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	outputDir := fs.String("output-dir", crypto.GetDefaultKeystorePath(), "key storage directory")
	noPassphrase := fs.Bool("no-passphrase", false, "store without passphrase protection")
	force := fs.Bool("force", false, "overwrite existing keys without prompting")
	fs.Parse(args)

	if err := os.MkdirAll(*outputDir, 0700); err != nil {
		fatal("create output directory: %v", err)
	}

	keyPath := filepath.Join(*outputDir, identityKeyFile)
	pubPath := filepath.Join(*outputDir, identityPubFile)

	if !*force {
		if _, err := os.Stat(keyPath); err == nil {
			fmt.Print("Identity keys already exist. Overwrite? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
	}

	kp, err := crypto.GenerateEd25519()
	if err != nil {
		fatal("generate keypair: %v", err)
	}

	var passphrase string
	if !*noPassphrase {
		passphrase, err = promptPassphrase()
		if err != nil {
			fatal("%v", err)
		}
	}

	if err := crypto.SaveKey(kp.PrivateKey, keyPath, passphrase); err != nil {
		fatal("save private key: %v", err)
	}

	pubKeyB64 := base64.StdEncoding.EncodeToString(kp.PublicKey)
	if err := os.WriteFile(pubPath, []byte(pubKeyB64+"\n"), 0644); err != nil {
		fatal("save public key: %v", err)
	}

	fmt.Println("Identity keypair generated.")
	fmt.Printf("  public key:  %s\n", pubKeyB64)
	fmt.Printf("  fingerprint: %s\n", crypto.ComputeFingerprint(kp.PublicKey))
	fmt.Printf("  directory:   %s\n", *outputDir)
	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: private key stored without encryption")
	}
}

func promptPassphrase() (string, error) {
	fmt.Print("Enter passphrase (leave empty for no encryption): ")
	passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	passphrase := string(passphraseBytes)
	if passphrase == "" {
		return "", nil
	}

	fmt.Print("Confirm passphrase: ")
	confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if passphrase != string(confirmBytes) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return passphrase, nil
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	keysDir := fs.String("keys-dir", crypto.GetDefaultKeystorePath(), "key storage directory")
	fs.Parse(args)

	pubPath := filepath.Join(*keysDir, identityPubFile)
	pubKeyData, err := os.ReadFile(pubPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read public key: %v\n", err)
		fmt.Fprintln(os.Stderr, "run 'keygen generate' first to create keys")
		os.Exit(1)
	}

	pubKeyB64 := strings.TrimSpace(string(pubKeyData))
	pubKeyBytes, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		fatal("decode public key: %v", err)
	}

	fileInfo, _ := os.Stat(pubPath)
	created := fileInfo.ModTime().Format(time.RFC3339)

	fmt.Printf("public key:  %s\n", pubKeyB64)
	fmt.Printf("fingerprint: %s\n", crypto.ComputeFingerprint(pubKeyBytes))
	fmt.Printf("key type:    Ed25519\n")
	fmt.Printf("created:     %s\n", created)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
