package cmd

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/chatguard/apiclient"
	"github.com/jmcleod/chatguard/config"
	"github.com/jmcleod/chatguard/envelope"
	"github.com/jmcleod/chatguard/keycache"
)

var publicKeyFile string

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a secret read from stdin under the server public key",
	Long: `Reads one line from stdin and prints it encrypted with RSA-OAEP/SHA-256,
base64 encoded, exactly as registration sends passwords upstream. The key
comes from --public-key or, without it, from the configured upstream.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := encryptionKey(cmd)
		if err != nil {
			return err
		}
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading secret: %w", err)
		}
		sealed, err := envelope.Encrypt(strings.TrimRight(line, "\r\n"), key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encryptCmd)
	encryptCmd.Flags().StringVar(&publicKeyFile, "public-key", "", "PEM or base64 SPKI public key file")
}

func encryptionKey(cmd *cobra.Command) (string, error) {
	if publicKeyFile != "" {
		data, err := os.ReadFile(publicKeyFile)
		if err != nil {
			return "", fmt.Errorf("reading public key: %w", err)
		}
		return string(data), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	client, err := apiclient.New(cfg.Upstream.URL,
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout.Std()}))
	if err != nil {
		return "", err
	}
	cache := keycache.New(keycache.NewHTTPFetcher(client),
		keycache.WithFetchTimeout(cfg.KeyCache.FetchTimeout.Std()))
	return cache.PublicKey(cmd.Context())
}
